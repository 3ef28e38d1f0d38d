package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/session"
	"github.com/spindleworks/spindle/window"
)

// UClean GST report UI selectors. No iframe here; the report is a plain
// single-page table with a date-range picker.
const (
	ucSpinner       = ".spinner-border, .loading-overlay"
	ucRangeControl  = "#reportrange"
	ucStartInput    = `input[name="daterangepicker_start"]`
	ucEndInput      = `input[name="daterangepicker_end"]`
	ucApplyButton   = `role=button[name="Apply"]`
	ucRangeOverlay  = ".daterangepicker"
	ucReportTable   = "#gstReportTable tbody"
	ucNoDataBanner  = "text=No data available"
	ucExportButton  = `role=button[name="Export Report"]`
	ucPostLoginMark = ".navbar-user, #userMenu"
)

// UCFlow downloads the GST report of one UClean store for one date window.
type UCFlow struct {
	StoreCode   string
	Config      registry.SyncConfig
	DownloadDir string

	SettleTimeout time.Duration
	PollInterval  time.Duration
}

func (f *UCFlow) settleTimeout() time.Duration {
	if f.SettleTimeout > 0 {
		return f.SettleTimeout
	}
	return defaultHydrateTimeout
}

func (f *UCFlow) pollInterval() time.Duration {
	if f.PollInterval > 0 {
		return f.PollInterval
	}
	return defaultPollInterval
}

// Probe checks whether the session attached to |s| is already logged in.
func (f *UCFlow) Probe(ctx context.Context, s Session) (session.Verdict, error) {
	if err := s.Navigate(ctx, f.Config.URLs.Home); err != nil {
		return session.Unknown, err
	}
	if visible, err := s.IsVisible(ctx, f.Config.LoginSelector.Password); err != nil {
		return session.Unknown, err
	} else if visible {
		return session.Expired, nil
	}
	if visible, err := s.IsVisible(ctx, ucPostLoginMark); err != nil {
		return session.Unknown, err
	} else if visible {
		return session.Valid, nil
	}
	return session.Unknown, nil
}

// Login performs a fresh credential login with the email/password form.
func (f *UCFlow) Login(ctx context.Context, s Session) error {
	var sel = f.Config.LoginSelector
	if sel.Email == "" {
		return fmt.Errorf("store %s has no email login selector configured", f.StoreCode)
	}
	if err := s.Navigate(ctx, f.Config.URLs.Login); err != nil {
		return err
	}
	if err := s.WaitVisible(ctx, sel.Password, loginTimeout); err != nil {
		return fault.Errorf(fault.LayoutDrift, "login form not found: %w", err)
	}
	if err := s.Fill(ctx, sel.Email, f.Config.Username); err != nil {
		return fault.Errorf(fault.LayoutDrift, "filling email: %w", err)
	}
	if err := s.Fill(ctx, sel.Password, f.Config.Password); err != nil {
		return fault.Errorf(fault.LayoutDrift, "filling password: %w", err)
	}
	if err := s.Click(ctx, sel.Submit); err != nil {
		return fault.Errorf(fault.LayoutDrift, "clicking submit: %w", err)
	}
	if err := s.WaitGone(ctx, sel.Password, loginTimeout); err != nil {
		return fault.Errorf(fault.Auth, "login form did not clear: %w", err)
	}
	if err := s.WaitVisible(ctx, ucPostLoginMark, loginTimeout); err != nil {
		return fault.Errorf(fault.Auth, "post-login controls never appeared: %w", err)
	}
	log.WithField("store", f.StoreCode).Info("logged in to UClean")
	return nil
}

// EnsureSession probes the attached state and logs in when it is not valid.
func (f *UCFlow) EnsureSession(ctx context.Context, s Session) error {
	verdict, err := f.Probe(ctx, s)
	if err != nil {
		return err
	}
	if verdict == session.Valid {
		return nil
	}
	log.WithFields(log.Fields{"store": f.StoreCode, "verdict": verdict}).
		Info("stored session not reusable; logging in")
	return f.Login(ctx, s)
}

// DownloadGST runs the GST report flow for |w|. When the CRM shows its
// explicit no-data banner for the window, DownloadGST reports noData true
// with an empty Artifact; the window still counts as synced.
func (f *UCFlow) DownloadGST(ctx context.Context, s Session, w window.Span) (Artifact, bool, error) {
	if f.Config.URLs.OrdersLink == "" {
		return Artifact{}, false, fmt.Errorf("store %s has no orders_link configured", f.StoreCode)
	}
	if err := s.Navigate(ctx, f.Config.URLs.OrdersLink); err != nil {
		return Artifact{}, false, err
	}

	if err := s.Click(ctx, ucRangeControl); err != nil {
		return Artifact{}, false, fault.Errorf(fault.LayoutDrift, "opening date range: %w", err)
	}
	if err := s.Fill(ctx, ucStartInput, w.From.Pretty()); err != nil {
		return Artifact{}, false, fault.Errorf(fault.LayoutDrift, "filling start date: %w", err)
	}
	if err := s.Fill(ctx, ucEndInput, w.To.Pretty()); err != nil {
		return Artifact{}, false, fault.Errorf(fault.LayoutDrift, "filling end date: %w", err)
	}
	if err := s.Click(ctx, ucApplyButton); err != nil {
		return Artifact{}, false, fault.Errorf(fault.LayoutDrift, "applying date range: %w", err)
	}
	if err := s.WaitGone(ctx, ucRangeOverlay, f.settleTimeout()); err != nil {
		return Artifact{}, false, fault.Errorf(fault.Timeout, "date overlay never closed: %w", err)
	}
	if err := s.WaitGone(ctx, ucSpinner, f.settleTimeout()); err != nil {
		return Artifact{}, false, fault.Errorf(fault.Timeout, "report table never settled: %w", err)
	}

	noData, err := f.waitReportReady(ctx, s, w)
	if err != nil || noData {
		return Artifact{}, noData, err
	}

	data, _, err := s.ExpectDownload(ctx, func() error {
		return s.Click(ctx, ucExportButton)
	})
	if err != nil {
		return Artifact{}, false, fault.Wrap(fault.Download, err)
	}
	artifact, err := writeArtifact(f.DownloadDir, artifactName(f.StoreCode, "uc_gst", w), data)
	return artifact, false, err
}

// waitReportReady blocks until the table holds rows or the explicit no-data
// banner shows. An empty table without the banner is indeterminate and keeps
// polling; only positive evidence ends the wait.
func (f *UCFlow) waitReportReady(ctx context.Context, s Session, w window.Span) (bool, error) {
	var deadline = time.Now().Add(f.settleTimeout())
	for {
		rows, err := s.RowTexts(ctx, ucReportTable)
		if err != nil {
			return false, err
		}
		if len(rows) > 0 && !isNoDataRow(rows) {
			return false, nil
		}
		if visible, err := s.IsVisible(ctx, ucNoDataBanner); err != nil {
			return false, err
		} else if visible {
			log.WithFields(log.Fields{"store": f.StoreCode, "window": w.String()}).
				Info("gst report has no data for window")
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, fault.Errorf(fault.Timeout,
				"gst report for %s neither produced rows nor a no-data banner within %s",
				w, f.settleTimeout())
		}
		if err := sleepCtx(ctx, f.pollInterval()); err != nil {
			return false, err
		}
	}
}

// isNoDataRow recognizes the single placeholder row some DataTables variants
// render instead of a banner.
func isNoDataRow(rows []string) bool {
	return len(rows) == 1 && strings.Contains(strings.ToLower(rows[0]), "no data")
}

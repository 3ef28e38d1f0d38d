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

// TumbleDry report UI selectors. The report pages render inside a legacy
// iframe; everything below tdReportFrame is scoped to it.
const (
	tdReportFrame      = "#ifrmReport"
	tdSpinner          = ".loading-spinner, #divLoader"
	tdExpand           = "text=Expand"
	tdHistoricalLink   = `role=link[name="Download historical Report"]`
	tdGenerateButton   = `role=button[name="Generate Report"]`
	tdRequestButton    = `role=button[name="Request Report"]`
	tdFromInput        = "input#txtFromDate"
	tdToInput          = "input#txtToDate"
	tdRequestsTable    = "#tblReportRequests tbody"
	tdPostLoginMarker  = "#mainNav, .dashboard-header"
	tdDownloadLinkText = "Download"
)

const (
	loginTimeout          = 30 * time.Second
	defaultHydrateTimeout = 60 * time.Second
	defaultReportTimeout  = 3 * time.Minute
	defaultPollInterval   = 3 * time.Second
)

// TDFlow downloads the Orders and Sales & Delivery reports of one TumbleDry
// store for one date window. A TDFlow is single-use per Session; its only
// state is configuration.
type TDFlow struct {
	StoreCode   string
	Config      registry.SyncConfig
	DownloadDir string

	HydrateTimeout time.Duration
	ReportTimeout  time.Duration
	PollInterval   time.Duration
}

func (f *TDFlow) hydrateTimeout() time.Duration {
	if f.HydrateTimeout > 0 {
		return f.HydrateTimeout
	}
	return defaultHydrateTimeout
}

func (f *TDFlow) reportTimeout() time.Duration {
	if f.ReportTimeout > 0 {
		return f.ReportTimeout
	}
	return defaultReportTimeout
}

func (f *TDFlow) pollInterval() time.Duration {
	if f.PollInterval > 0 {
		return f.PollInterval
	}
	return defaultPollInterval
}

// Probe checks whether the session attached to |s| is already logged in.
func (f *TDFlow) Probe(ctx context.Context, s Session) (session.Verdict, error) {
	if err := s.Navigate(ctx, f.Config.URLs.Home); err != nil {
		return session.Unknown, err
	}
	if visible, err := s.IsVisible(ctx, f.Config.LoginSelector.Password); err != nil {
		return session.Unknown, err
	} else if visible {
		return session.Expired, nil
	}
	if strings.Contains(s.CurrentURL(), f.StoreCode) {
		return session.Valid, nil
	}
	if visible, err := s.IsVisible(ctx, tdPostLoginMarker); err != nil {
		return session.Unknown, err
	} else if visible {
		return session.Valid, nil
	}
	return session.Unknown, nil
}

// Login performs a fresh credential login. TumbleDry logins carry the store
// code both as a form field and in the post-login landing URL; a landing URL
// that does not reference the store means the CRM rejected the login.
func (f *TDFlow) Login(ctx context.Context, s Session) error {
	var sel = f.Config.LoginSelector
	if err := s.Navigate(ctx, f.Config.URLs.Login); err != nil {
		return err
	}
	if err := s.WaitVisible(ctx, sel.Password, loginTimeout); err != nil {
		return fault.Errorf(fault.LayoutDrift, "login form not found: %w", err)
	}
	if sel.Username != "" {
		if err := s.Fill(ctx, sel.Username, f.Config.Username); err != nil {
			return fault.Errorf(fault.LayoutDrift, "filling username: %w", err)
		}
	}
	if err := s.Fill(ctx, sel.Password, f.Config.Password); err != nil {
		return fault.Errorf(fault.LayoutDrift, "filling password: %w", err)
	}
	if sel.StoreCode != "" {
		if err := s.Fill(ctx, sel.StoreCode, f.StoreCode); err != nil {
			return fault.Errorf(fault.LayoutDrift, "filling store code: %w", err)
		}
	}
	if err := s.Click(ctx, sel.Submit); err != nil {
		return fault.Errorf(fault.LayoutDrift, "clicking submit: %w", err)
	}
	if err := s.WaitGone(ctx, sel.Password, loginTimeout); err != nil {
		return fault.Errorf(fault.Auth, "login form did not clear: %w", err)
	}
	if !strings.Contains(s.CurrentURL(), f.StoreCode) {
		return fault.Errorf(fault.Auth,
			"landing url %q does not reference store %s", s.CurrentURL(), f.StoreCode)
	}
	log.WithField("store", f.StoreCode).Info("logged in to TumbleDry")
	return nil
}

// EnsureSession probes the attached state and logs in when it is not valid.
func (f *TDFlow) EnsureSession(ctx context.Context, s Session) error {
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

// DownloadOrders runs the Order Report flow for |w| and persists the
// artifact under the canonical name.
func (f *TDFlow) DownloadOrders(ctx context.Context, s Session, w window.Span) (Artifact, error) {
	if f.Config.URLs.OrdersLink == "" {
		return Artifact{}, fmt.Errorf("store %s has no orders_link configured", f.StoreCode)
	}
	return f.downloadReport(ctx, s, f.Config.URLs.OrdersLink, w, "td_orders", true)
}

// DownloadSales runs the Sales & Delivery flow for |w|. It is identical to
// the orders flow except the report list needs no Expand step.
func (f *TDFlow) DownloadSales(ctx context.Context, s Session, w window.Span) (Artifact, error) {
	if f.Config.URLs.SalesLink == "" {
		return Artifact{}, fmt.Errorf("store %s has no sales_link configured", f.StoreCode)
	}
	return f.downloadReport(ctx, s, f.Config.URLs.SalesLink, w, "td_sales", false)
}

func (f *TDFlow) downloadReport(ctx context.Context, s Session, url string,
	w window.Span, kind string, expand bool) (Artifact, error) {

	if err := s.Navigate(ctx, url); err != nil {
		return Artifact{}, err
	}
	if err := s.EnterFrame(tdReportFrame); err != nil {
		return Artifact{}, err
	}
	defer s.ExitFrame()

	if err := f.waitHydrated(ctx, s); err != nil {
		return Artifact{}, err
	}
	if expand {
		if err := s.Click(ctx, tdExpand); err != nil {
			return Artifact{}, fault.Errorf(fault.LayoutDrift, "expanding report list: %w", err)
		}
	}
	if err := s.Click(ctx, tdHistoricalLink); err != nil {
		return Artifact{}, fault.Errorf(fault.LayoutDrift, "opening historical report: %w", err)
	}
	if err := s.WaitVisible(ctx, tdGenerateButton, f.hydrateTimeout()); err != nil {
		return Artifact{}, fault.Errorf(fault.LayoutDrift, "generate control not found: %w", err)
	}
	if err := s.Click(ctx, tdGenerateButton); err != nil {
		return Artifact{}, fault.Errorf(fault.LayoutDrift, "clicking generate: %w", err)
	}
	if err := f.setDateRange(ctx, s, w); err != nil {
		return Artifact{}, err
	}
	if err := s.Click(ctx, tdRequestButton); err != nil {
		return Artifact{}, fault.Errorf(fault.LayoutDrift, "requesting report: %w", err)
	}

	data, err := f.pollAndDownload(ctx, s, w)
	if err != nil {
		return Artifact{}, err
	}
	return writeArtifact(f.DownloadDir, artifactName(f.StoreCode, kind, w), data)
}

// waitHydrated blocks until the report frame has settled: any expected
// control became visible, or a spinner that was showing has gone away.
func (f *TDFlow) waitHydrated(ctx context.Context, s Session) error {
	var controls = []string{tdGenerateButton, tdHistoricalLink, tdExpand}
	var deadline = time.Now().Add(f.hydrateTimeout())
	var sawSpinner bool
	for {
		for _, sel := range controls {
			if visible, err := s.IsVisible(ctx, sel); err != nil {
				return err
			} else if visible {
				return nil
			}
		}
		spinning, err := s.IsVisible(ctx, tdSpinner)
		if err != nil {
			return err
		}
		if spinning {
			sawSpinner = true
		} else if sawSpinner {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.Errorf(fault.Timeout,
				"report frame for store %s never hydrated within %s", f.StoreCode, f.hydrateTimeout())
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}

// setDateRange fills the overlay's editable inputs, falling back to driving
// the calendar widget when the inputs reject direct entry.
func (f *TDFlow) setDateRange(ctx context.Context, s Session, w window.Span) error {
	var fillErr = s.Fill(ctx, tdFromInput, w.From.Pretty())
	if fillErr == nil {
		fillErr = s.Fill(ctx, tdToInput, w.To.Pretty())
	}
	if fillErr == nil {
		return nil
	}
	log.WithFields(log.Fields{"store": f.StoreCode, "err": fillErr}).
		Debug("date inputs rejected direct entry; driving calendar")

	for _, step := range []struct{ input, day string }{
		{tdFromInput, w.From.Pretty()},
		{tdToInput, w.To.Pretty()},
	} {
		if err := s.Click(ctx, step.input); err != nil {
			return fault.Errorf(fault.LayoutDrift, "opening calendar: %w", err)
		}
		if err := s.Click(ctx, fmt.Sprintf("role=gridcell[name=%q]", step.day)); err != nil {
			return fault.Errorf(fault.LayoutDrift, "picking %s in calendar: %w", step.day, err)
		}
	}
	return nil
}

// pollAndDownload watches the Report Requests table until a ready row for
// exactly the requested window appears, then captures its download. Rows are
// listed newest first; the first match wins ties between retries of the same
// window.
func (f *TDFlow) pollAndDownload(ctx context.Context, s Session, w window.Span) ([]byte, error) {
	var wantRange = w.Pretty()
	var deadline = time.Now().Add(f.reportTimeout())
	for {
		rows, err := s.RowTexts(ctx, tdRequestsTable)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !strings.Contains(row, wantRange) {
				continue
			}
			if strings.Contains(row, "Pending") || strings.Contains(row, "Processing") ||
				strings.Contains(row, "Queued") {
				break // newest matching row still generating; keep polling
			}
			var rowLink = fmt.Sprintf("%s tr:has-text(%q) >> nth=0 >> text=%s",
				tdRequestsTable, wantRange, tdDownloadLinkText)
			data, _, err := s.ExpectDownload(ctx, func() error {
				return s.Click(ctx, rowLink)
			})
			if err != nil {
				return nil, fault.Wrap(fault.Download, err)
			}
			return data, nil
		}
		if time.Now().After(deadline) {
			return nil, fault.Errorf(fault.Timeout,
				"no ready report for window %s within %s", wantRange, f.reportTimeout())
		}
		if err := sleepCtx(ctx, f.pollInterval()); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var t = time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

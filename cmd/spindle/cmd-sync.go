package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/browser"
	"github.com/spindleworks/spindle/engine"
	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/ingest"
	"github.com/spindleworks/spindle/notify"
	"github.com/spindleworks/spindle/profiler"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/session"
	"github.com/spindleworks/spindle/synclog"
	"github.com/spindleworks/spindle/window"
)

type cmdSync struct {
	Env         string `long:"env" env:"SPINDLE_ENV" default:"prod" description:"Environment recorded on sync rows and run summaries"`
	SyncGroup   string `long:"sync-group" env:"SYNC_GROUP" default:"ALL" choice:"TD" choice:"UC" choice:"ALL" description:"CRM group to sync"`
	WindowDays  int    `long:"window-days" env:"WINDOW_DAYS" default:"7" description:"Days per sync window"`
	OverlapDays int    `long:"overlap-days" env:"OVERLAP_DAYS" default:"3" description:"Days re-synced behind the last success"`
	MaxWorkers  int    `long:"max-workers" env:"MAX_WORKERS" default:"4" description:"Concurrent (store, pipeline) jobs"`
	Force       bool   `long:"force" description:"Run planned windows even when their span is already covered"`
	StoreCode   string `long:"store-code" env:"STORE_CODE" description:"Restrict the run to one store"`
	Notify      bool   `long:"notify" description:"Dispatch notification emails after the run closes"`

	BatchSize   int    `long:"ingest-batch-size" env:"INGEST_BATCH_SIZE" default:"3000" description:"Rows bound per staging upsert"`
	SessionDir  string `long:"session-dir" env:"SPINDLE_SESSION_DIR" default:".spindle/sessions" description:"Directory holding saved login sessions"`
	DownloadDir string `long:"download-dir" env:"SPINDLE_DOWNLOAD_DIR" description:"Directory for downloaded artifacts; a per-run temp directory when empty"`
	Headless    string `long:"headless" env:"SPINDLE_HEADLESS" default:"auto" choice:"auto" choice:"always" choice:"never" description:"Browser headless mode; auto follows the TTY"`
	Install     bool   `long:"install-browsers" env:"SPINDLE_INSTALL_BROWSERS" description:"Download the Playwright driver and Chromium before starting"`

	App  appConfig  `group:"Application" namespace:"app"`
	SMTP smtpConfig `group:"SMTP" namespace:"smtp" env-namespace:"SMTP"`
	Log  LogConfig  `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdSync) Execute(_ []string) error {
	initLog(cmd.Log)

	// Install a signal handler which will cancel our context. The profiler
	// then stops starting windows and drains in-flight ones for a grace.
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	group, err := registry.ParseGroup(cmd.SyncGroup)
	if err != nil {
		return err
	}
	clock, err := window.NewClock(cmd.App.Timezone)
	if err != nil {
		return fault.Wrap(fault.FatalConfig, err)
	}

	db, err := cmd.App.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	// Downloads land in a per-run directory, discarded on exit unless the
	// operator pinned one.
	var downloadDir = cmd.DownloadDir
	if downloadDir == "" {
		if downloadDir, err = os.MkdirTemp("", "spindle-run-"); err != nil {
			return fmt.Errorf("creating download directory: %w", err)
		}
		defer os.RemoveAll(downloadDir)
	}

	sessions, err := session.NewManager(cmd.SessionDir)
	if err != nil {
		return err
	}
	if cmd.Install {
		if err = browser.InstallBrowsers(); err != nil {
			return fmt.Errorf("installing browsers: %w", err)
		}
	}
	launcher, err := browser.NewPlaywrightLauncher(cmd.headless())
	if err != nil {
		return fmt.Errorf("starting browser driver: %w", err)
	}
	defer launcher.Close()

	log.WithFields(log.Fields{
		"env":      cmd.Env,
		"group":    group,
		"store":    cmd.StoreCode,
		"workers":  cmd.MaxWorkers,
		"force":    cmd.Force,
		"headless": cmd.headless(),
	}).Info("spindle sync starting")

	var engineDeps = engine.Deps{
		Log:         synclog.NewStore(db),
		Loader:      ingest.NewLoader(db, cmd.BatchSize),
		Sessions:    sessions,
		Launcher:    launcher,
		Clock:       clock,
		DownloadDir: downloadDir,
	}
	var prof = profiler.New(profiler.Deps{
		Registry: registry.NewRegistry(db),
		Log:      engineDeps.Log,
		Runs:     synclog.NewRuns(db),
		Engines: map[engine.Pipeline]engine.Engine{
			engine.PipelineTD: engine.NewTD(engineDeps),
			engine.PipelineUC: engine.NewUC(engineDeps),
		},
		Locker: profiler.NewAdvisoryLocker(db),
		Clock:  clock,
	}, profiler.Config{
		Env:         cmd.Env,
		Group:       group,
		StoreCode:   cmd.StoreCode,
		WindowDays:  cmd.WindowDays,
		OverlapDays: cmd.OverlapDays,
		MaxWorkers:  cmd.MaxWorkers,
		Force:       cmd.Force,
	})

	result, err := prof.Run(ctx)
	if err != nil {
		return err
	}
	printRunReport(result)

	if cmd.Notify {
		// The run summary is closed by now even when the run was cancelled,
		// and recipients should hear about a cut-short run too.
		var dispatchCtx, dispatchCancel = context.WithTimeout(
			context.WithoutCancel(ctx), time.Minute)
		defer dispatchCancel()

		var dispatcher = &notify.Dispatcher{
			Routing: notify.NewRouting(db),
			Runs:    synclog.NewRuns(db),
			Mailer:  notify.NewSMTPMailer(cmd.SMTP.mailerConfig()),
			Env:     cmd.Env,
		}
		if report, err := dispatcher.Dispatch(dispatchCtx, result.RunID, ""); err != nil {
			log.WithField("error", err).Error("notification dispatch failed")
		} else {
			log.WithFields(log.Fields{
				"sent":   report.Sent,
				"failed": report.Failed,
			}).Info("notifications dispatched")
		}
	}

	return runExitError(result)
}

func (cmd cmdSync) headless() bool {
	switch cmd.Headless {
	case "always":
		return true
	case "never":
		return false
	}
	return !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

// printRunReport writes the end-of-run report: one colorized line per store,
// then the per-pipeline summary text.
func printRunReport(result profiler.Result) {
	var status = string(result.Status)
	switch result.Status {
	case synclog.RunOK:
		status = green(status)
	case synclog.RunError:
		status = red(status)
	default:
		status = yellow(status)
	}
	fmt.Printf("run %s finished %s\n", result.RunID, status)

	var codes = make([]string, 0, len(result.Metrics.PerStore))
	for code := range result.Metrics.PerStore {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		var sm = result.Metrics.PerStore[code]
		var line = fmt.Sprintf("%d succeeded, %d partial, %d failed, %d skipped",
			sm.Succeeded, sm.Partial, sm.Failed, sm.Skipped)
		switch {
		case sm.Failed > 0:
			line = red(line)
		case sm.Partial > 0 || sm.Skipped > 0:
			line = yellow(line)
		default:
			line = green(line)
		}
		fmt.Printf("  %s: %s", code, line)
		if sm.LastError != "" {
			fmt.Printf("  (%s)", sm.LastError)
		}
		fmt.Println()
	}
	if result.Summary != "" {
		fmt.Printf("\n%s\n", result.Summary)
	}
}

// runExitError maps the closed run onto the process exit code: ok exits
// zero; error exits non-zero; partial and warning exit non-zero only when
// the run completed no window at all.
func runExitError(result profiler.Result) error {
	switch result.Status {
	case synclog.RunOK:
		return nil
	case synclog.RunError:
		return fmt.Errorf("run %s finished with status error", result.RunID)
	default:
		if result.Metrics.Succeeded > 0 {
			return nil
		}
		return fmt.Errorf("run %s finished %s with no successful windows",
			result.RunID, result.Status)
	}
}

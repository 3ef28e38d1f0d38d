package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/notify"
	"github.com/spindleworks/spindle/synclog"
)

type cmdNotify struct {
	RunID    string `long:"run-id" required:"true" description:"Run summary to dispatch notifications for"`
	Pipeline string `long:"pipeline" description:"Match profiles of this pipeline name instead of the run's own"`
	Env      string `long:"env" env:"SPINDLE_ENV" default:"prod" description:"Environment recipients are filtered by"`

	App  appConfig  `group:"Application" namespace:"app"`
	SMTP smtpConfig `group:"SMTP" namespace:"smtp" env-namespace:"SMTP"`
	Log  LogConfig  `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdNotify) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := cmd.App.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var dispatcher = &notify.Dispatcher{
		Routing: notify.NewRouting(db),
		Runs:    synclog.NewRuns(db),
		Mailer:  notify.NewSMTPMailer(cmd.SMTP.mailerConfig()),
		Env:     cmd.Env,
	}
	report, err := dispatcher.Dispatch(ctx, cmd.RunID, cmd.Pipeline)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"run":      cmd.RunID,
		"profiles": report.Profiles,
		"skipped":  report.SkippedProfiles,
		"sent":     report.Sent,
		"failed":   report.Failed,
	}).Info("notification dispatch finished")

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d emails failed to deliver",
			report.Failed, report.Sent+report.Failed)
	}
	return nil
}

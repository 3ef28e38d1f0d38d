package main

import (
	"fmt"
	"net/url"
)

type cmdPrintConfig struct {
	cmdSync
}

func (cmd cmdPrintConfig) Execute(_ []string) error {
	fmt.Printf("env:               %s\n", cmd.Env)
	fmt.Printf("sync-group:        %s\n", cmd.SyncGroup)
	fmt.Printf("store-code:        %s\n", orDefault(cmd.StoreCode, "(all)"))
	fmt.Printf("window-days:       %d\n", cmd.WindowDays)
	fmt.Printf("overlap-days:      %d\n", cmd.OverlapDays)
	fmt.Printf("max-workers:       %d\n", cmd.MaxWorkers)
	fmt.Printf("force:             %t\n", cmd.Force)
	fmt.Printf("headless:          %s (resolves to %t)\n", cmd.Headless, cmd.headless())
	fmt.Printf("timezone:          %s\n", cmd.App.Timezone)
	fmt.Printf("database-url:      %s\n", redactedDSN(cmd.App.DatabaseURL))
	fmt.Printf("ingest-batch-size: %d\n", cmd.BatchSize)
	fmt.Printf("session-dir:       %s\n", cmd.SessionDir)
	fmt.Printf("download-dir:      %s\n", orDefault(cmd.DownloadDir, "(per-run temp)"))
	fmt.Printf("smtp-host:         %s\n", orDefault(cmd.SMTP.Host, "(unset)"))
	fmt.Printf("smtp-port:         %d\n", cmd.SMTP.Port)
	fmt.Printf("smtp-username:     %s\n", orDefault(cmd.SMTP.Username, "(unset)"))
	fmt.Printf("smtp-password:     %s\n", setOrUnset(cmd.SMTP.Password))
	fmt.Printf("smtp-from:         %s\n", orDefault(cmd.SMTP.From, "(unset)"))
	fmt.Printf("smtp-tls:          %t\n", cmd.SMTP.TLS)
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func setOrUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "(set)"
}

func redactedDSN(dsn string) string {
	if dsn == "" {
		return "(unset)"
	}
	if u, err := url.Parse(dsn); err == nil && u.Host != "" {
		return u.Redacted()
	}
	return "(set; not a URL)"
}

package main

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	// A .env file is a developer convenience; its absence is not an error.
	_ = godotenv.Load()

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "sync", "Sync orders for the store fleet", `
Plan sync windows for every eligible store of the selected group, execute
them under a bounded worker pool, and close a run summary. The command
exits zero when the run finishes ok, and also when a degraded run still
completed at least one window.
`, &cmdSync{})

	addCmd(parser, "notify", "Dispatch notification emails for a closed run", `
Load a closed run summary and dispatch its notification profiles: render
subject and body templates, attach referenced documents, and deliver over
SMTP. Dispatch is recorded per profile, so invoking the command twice for
the same run sends nothing new.
`, &cmdNotify{})

	addCmd(parser, "print-config", "Print the effective configuration", `
Resolve configuration from flags, environment, and defaults exactly as the
sync command would, and print it. Credentials are redacted.
`, &cmdPrintConfig{})

	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Println(flagErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		log.WithField("err", err).Fatal("failed to add flags parser command")
	}
	return cmd
}

package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/notify"
)

// appConfig binds the environment every command needs.
type appConfig struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" description:"Relational store DSN"`
	Timezone    string `long:"timezone" env:"PIPELINE_TIMEZONE" default:"Asia/Kolkata" description:"Operational timezone deciding the report date"`
}

func (c appConfig) connect(ctx context.Context) (*sqlx.DB, error) {
	if c.DatabaseURL == "" {
		return nil, fault.Errorf(fault.FatalConfig, "DATABASE_URL is required")
	}
	var db, err = sqlx.ConnectContext(ctx, "pgx", c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// smtpConfig binds the SMTP submission endpoint of the dispatcher.
type smtpConfig struct {
	Host     string `long:"host" env:"HOST" description:"SMTP submission host"`
	Port     int    `long:"port" env:"PORT" default:"587" description:"SMTP submission port"`
	Username string `long:"username" env:"USERNAME" description:"SMTP username; empty sends unauthenticated"`
	Password string `long:"password" env:"PASSWORD" description:"SMTP password"`
	From     string `long:"from" env:"FROM" description:"Sender address on dispatched email"`
	TLS      bool   `long:"tls" env:"TLS" description:"Require STARTTLS rather than upgrading opportunistically"`
}

func (c smtpConfig) mailerConfig() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		From:     c.From,
		TLS:      c.TLS,
	}
}

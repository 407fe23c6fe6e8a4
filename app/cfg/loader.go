package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Rule set and storage
	RulesFile string `long:"rules" env:"RULES_FILE" default:"./rules.yml" description:"Path to the YAML rule set (organizations, keywords, feeds)"`
	DBPath    string `long:"db-path" env:"DB_PATH" description:"SQLite database path for dedup records and emitted alerts (in-memory state when empty)"`

	// HTTP server
	Port string `long:"port" env:"PORT" default:"8080" description:"HTTP server port for health and stats endpoints"`

	// Pipeline
	FeedWorkerCount   int `long:"feed-workers" env:"FEED_WORKER_COUNT" default:"5" description:"Number of concurrent feed fetch workers"`
	SocialWorkerCount int `long:"social-workers" env:"SOCIAL_WORKER_COUNT" default:"2" description:"Number of concurrent social-search workers"`
	CycleInterval     int `long:"cycle-interval" env:"CYCLE_INTERVAL" default:"300" description:"Seconds between ingestion cycles"`
	CycleTimeout      int `long:"cycle-timeout" env:"CYCLE_TIMEOUT" default:"300" description:"Hard deadline in seconds for a single ingestion cycle"`

	// Social search credential
	SocialBearerToken string `long:"social-token" env:"SOCIAL_BEARER_TOKEN" description:"Bearer token for the social-search API (source disabled when empty)"`

	// Outbound email sink
	SMTPHost string `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host for the email alert sink (sink disabled when empty)"`
	SMTPPort int    `long:"smtp-port" env:"SMTP_PORT" default:"587" description:"SMTP port"`
	SMTPUser string `long:"smtp-user" env:"SMTP_USER" description:"SMTP user"`
	SMTPPass string `long:"smtp-pass" env:"SMTP_PASS" description:"SMTP password"`
	MailFrom string `long:"mail-from" env:"MAIL_FROM" description:"From address for alert emails"`
	MailTo   string `long:"mail-to" env:"MAIL_TO" description:"Recipient address for alert emails"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Dropwatch/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		RulesFile:         raw.RulesFile,
		DBPath:            raw.DBPath,
		Port:              raw.Port,
		FeedWorkerCount:   raw.FeedWorkerCount,
		SocialWorkerCount: raw.SocialWorkerCount,
		CycleInterval:     raw.CycleInterval,
		CycleTimeout:      raw.CycleTimeout,
		SocialBearerToken: raw.SocialBearerToken,
		SMTPHost:          raw.SMTPHost,
		SMTPPort:          raw.SMTPPort,
		SMTPUser:          raw.SMTPUser,
		SMTPPass:          raw.SMTPPass,
		MailFrom:          raw.MailFrom,
		MailTo:            raw.MailTo,
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds environment-driven configuration.
type Config struct {
	HTTP struct {
		Addr string // default :8080
	}
	Store struct {
		Driver     string // "mysql" (default) or "sqlite"
		MySQLDSN   string // e.g., user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
		SQLitePath string // file path or ":memory:"
	}
	Billing struct {
		DefaultRate decimal.Decimal // system-wide fallback hourly rate
	}
	Stats struct {
		WeekStart time.Weekday // first day of the week for weekly rollups
		Timezone  string       // e.g., UTC (default), Europe/Berlin
	}
	Notify struct {
		WebhookURL string // empty disables event publishing
	}
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config

	cfg.HTTP.Addr = os.Getenv("HTTP_ADDR")
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	cfg.Store.Driver = strings.ToLower(os.Getenv("STORE_DRIVER"))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "mysql"
	}
	cfg.Store.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.Store.SQLitePath = os.Getenv("SQLITE_PATH")
	switch cfg.Store.Driver {
	case "mysql":
		if cfg.Store.MySQLDSN == "" {
			return cfg, errors.New("MYSQL_DSN is required with STORE_DRIVER=mysql")
		}
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			cfg.Store.SQLitePath = "timekeep.db"
		}
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}

	cfg.Billing.DefaultRate = decimal.NewFromInt(75)
	if v := os.Getenv("DEFAULT_HOURLY_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil || rate.IsNegative() {
			return cfg, errors.New("DEFAULT_HOURLY_RATE must be a non-negative decimal")
		}
		cfg.Billing.DefaultRate = rate
	}

	cfg.Stats.WeekStart = time.Monday
	if v := os.Getenv("WEEK_START"); v != "" {
		day, err := parseWeekday(v)
		if err != nil {
			return cfg, err
		}
		cfg.Stats.WeekStart = day
	}
	cfg.Stats.Timezone = os.Getenv("STATS_TZ")
	if cfg.Stats.Timezone == "" {
		cfg.Stats.Timezone = "UTC"
	}

	cfg.Notify.WebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")

	return cfg, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("WEEK_START must be a weekday name, got %q", s)
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. JSON is canonical; YAML configs are
// coerced to JSON before decoding so both share the strict decoder.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Schedule ScheduleConfig `json:"schedule"`
	Status   StatusConfig   `json:"status"`
	Pixiv    PixivConfig    `json:"pixiv"`
	Notify   NotifyConfig   `json:"notify"`
	Storage  StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ConsoleEnabled defaults to true when the field is omitted.
func (c LoggingConfig) ConsoleEnabled() bool {
	if c.Console == nil {
		return true
	}
	return *c.Console
}

// ScheduleConfig controls when and how the watch task runs in loop mode.
//
// Spec accepts the scheduler's full syntax surface: 5/6-field cron
// expressions, cron descriptors ("@hourly", "@every 55m"), Go durations
// ("45m"), compact HH:MM intervals ("00:30"), and the forcing prefixes
// "cron:", "interval:", "every:".
type ScheduleConfig struct {
	Spec        string `json:"spec"`
	Timezone    string `json:"timezone,omitempty"`
	RunTimeout  string `json:"run_timeout,omitempty"`
	GracePeriod string `json:"grace_period,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StatusConfig controls the read-only status HTTP server.
//
// Security: prefer binding to localhost (default). If binding to a
// non-loopback address, set Token or enable AllowInsecure.
type StatusConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// EnabledOrDefault defaults to enabled when the field is omitted:
// the status surface is the only way the deployment observes the loop.
func (c StatusConfig) EnabledOrDefault() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// PixivConfig controls the fetch side of the watch task.
type PixivConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Session   string `json:"session,omitempty"` // PHPSESSID cookie value
	UserAgent string `json:"user_agent,omitempty"`

	// Source selects what to fetch: "ranking" (default) or "follow".
	Source      string `json:"source,omitempty"`
	RankingMode string `json:"ranking_mode,omitempty"` // daily/weekly/monthly/...

	Limit        int    `json:"limit,omitempty"`
	MinBookmarks int    `json:"min_bookmarks,omitempty"`
	AllowR18     bool   `json:"allow_r18,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// NotifyConfig selects and configures the push backend.
type NotifyConfig struct {
	Driver     string          `json:"driver,omitempty"` // astrbot | telegram | none
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	AstrBot    *AstrBotConfig  `json:"astrbot,omitempty"`
	Telegram   *TelegramConfig `json:"telegram,omitempty"`
}

// AstrBotConfig configures pushes through the AstrBot HTTP adapter.
type AstrBotConfig struct {
	URL           string `json:"url"`
	Origin        string `json:"origin"` // unified_msg_origin, e.g. "QQOfficial:group:123456"
	APIKey        string `json:"api_key,omitempty"`
	WithImages    *bool  `json:"with_images,omitempty"`
	MaxImageBytes int    `json:"max_image_bytes,omitempty"`
}

func (c AstrBotConfig) ImagesEnabled() bool {
	if c.WithImages == nil {
		return true
	}
	return *c.WithImages
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// StorageConfig controls the optional persistence layer.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//
// If Driver is empty or "none", storage is disabled: dedup degrades to
// in-memory only and /history serves nothing.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	SeenTTL     string `json:"seen_ttl,omitempty"`
}

// Validate checks cross-field constraints and duration syntax.
// It is also used as the hot-reload gate, so it must stay side-effect free.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Schedule.Spec) == "" {
		return fmt.Errorf("schedule.spec is required")
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: unknown timezone %q", tz)
		}
	}
	durFields := []struct {
		path string
		raw  string
	}{
		{"schedule.run_timeout", c.Schedule.RunTimeout},
		{"schedule.grace_period", c.Schedule.GracePeriod},
		{"status.read_timeout", c.Status.ReadTimeout},
		{"status.write_timeout", c.Status.WriteTimeout},
		{"status.idle_timeout", c.Status.IdleTimeout},
		{"pixiv.timeout", c.Pixiv.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.seen_ttl", c.Storage.SeenTTL},
	}
	for _, f := range durFields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Notify.Driver)) {
	case "", "none":
	case "astrbot":
		if c.Notify.AstrBot == nil {
			return fmt.Errorf("notify.astrbot section is required for driver astrbot")
		}
		if strings.TrimSpace(c.Notify.AstrBot.URL) == "" {
			return fmt.Errorf("notify.astrbot.url is required")
		}
		if strings.TrimSpace(c.Notify.AstrBot.Origin) == "" {
			return fmt.Errorf("notify.astrbot.origin is required")
		}
	case "telegram":
		if c.Notify.Telegram == nil {
			return fmt.Errorf("notify.telegram section is required for driver telegram")
		}
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required")
		}
	default:
		return fmt.Errorf("notify.driver: unknown driver %q", c.Notify.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Pixiv.Source)) {
	case "", "ranking", "follow":
	default:
		return fmt.Errorf("pixiv.source: unknown source %q", c.Pixiv.Source)
	}
	return nil
}

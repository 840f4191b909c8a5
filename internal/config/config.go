// Package config resolves runtime settings. Priority, lowest first:
// defaults, .env files, the process environment, command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const envPrefix = "POSTFLOW_"

type Config struct {
	DB        string
	Addr      string
	LogLevel  string
	LogFormat string
	Debug     bool

	PollInterval   time.Duration
	ScanInterval   time.Duration
	BatchSize      int
	Workers        int
	AcquireTimeout time.Duration
	PublishTimeout time.Duration
	StaleAfter     time.Duration

	ContentRoot string
	WorkDir     string
	TZ          string

	NATSURL     string
	NATSSubject string
	Publishers  string
}

func Defaults() Config {
	return Config{
		DB:             "postflow.db",
		Addr:           ":8080",
		LogLevel:       "info",
		LogFormat:      "console",
		PollInterval:   time.Minute,
		ScanInterval:   time.Hour,
		BatchSize:      100,
		Workers:        4,
		AcquireTimeout: 5 * time.Minute,
		PublishTimeout: 15 * time.Minute,
		StaleAfter:     30 * time.Minute,
		ContentRoot:    "content",
		WorkDir:        filepath.Join(os.TempDir(), "postflow"),
		TZ:             "Local",
		NATSSubject:    "postflow.activity",
	}
}

// Load layers the given .env files and the environment over the defaults.
// Missing .env files are ignored; earlier files win over later ones.
func Load(envFiles ...string) (Config, error) {
	dotenv := map[string]string{}
	for i := len(envFiles) - 1; i >= 0; i-- {
		vals, err := godotenv.Read(envFiles[i])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", envFiles[i], err)
		}
		for k, v := range vals {
			dotenv[k] = v
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	return fromLookup(lookup)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Defaults()
	e := &envReader{lookup: lookup}
	e.str("DB", &c.DB)
	e.str("ADDR", &c.Addr)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)
	e.boolean("DEBUG", &c.Debug)
	e.dur("POLL_INTERVAL", &c.PollInterval)
	e.dur("SCAN_INTERVAL", &c.ScanInterval)
	e.integer("BATCH_SIZE", &c.BatchSize)
	e.integer("WORKERS", &c.Workers)
	e.dur("ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	e.dur("PUBLISH_TIMEOUT", &c.PublishTimeout)
	e.dur("STALE_AFTER", &c.StaleAfter)
	e.str("CONTENT_ROOT", &c.ContentRoot)
	e.str("WORK_DIR", &c.WorkDir)
	e.str("TZ", &c.TZ)
	e.str("NATS_URL", &c.NATSURL)
	e.str("NATS_SUBJECT", &c.NATSSubject)
	e.str("PUBLISHERS", &c.Publishers)
	return c, errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(envPrefix + key)
	return strings.TrimSpace(v), ok
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) dur(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = b
	}
}

// RegisterFlags declares the command-line overrides. Only flags the user
// actually sets are applied by ApplyFlags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("db", d.DB, "SQLite database path")
	flags.String("addr", d.Addr, "ops HTTP bind address")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "log format (console, json)")
	flags.Bool("debug", d.Debug, "mount pprof under /debug")
	flags.Duration("poll-interval", d.PollInterval, "due-post poll period")
	flags.Duration("scan-interval", d.ScanInterval, "content scan period")
	flags.Int("batch-size", d.BatchSize, "max tasks selected per poll")
	flags.Int("workers", d.Workers, "max concurrent dispatches")
	flags.Duration("acquire-timeout", d.AcquireTimeout, "content download timeout")
	flags.Duration("publish-timeout", d.PublishTimeout, "publisher call timeout")
	flags.Duration("stale-after", d.StaleAfter, "age after which processing tasks are failed")
	flags.String("content-root", d.ContentRoot, "root directory of watched content")
	flags.String("work-dir", d.WorkDir, "scratch directory for local copies")
	flags.String("tz", d.TZ, "time zone for schedule slots")
	flags.String("nats-url", d.NATSURL, "NATS server for activity fan-out")
	flags.String("nats-subject", d.NATSSubject, "NATS subject prefix")
	flags.String("publishers", d.Publishers, "platform=kind:target,...")
}

func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "db":
			c.DB = v
		case "addr":
			c.Addr = v
		case "log-level":
			c.LogLevel = v
		case "log-format":
			c.LogFormat = v
		case "debug":
			c.Debug, err = strconv.ParseBool(v)
		case "poll-interval":
			c.PollInterval, err = time.ParseDuration(v)
		case "scan-interval":
			c.ScanInterval, err = time.ParseDuration(v)
		case "batch-size":
			c.BatchSize, err = strconv.Atoi(v)
		case "workers":
			c.Workers, err = strconv.Atoi(v)
		case "acquire-timeout":
			c.AcquireTimeout, err = time.ParseDuration(v)
		case "publish-timeout":
			c.PublishTimeout, err = time.ParseDuration(v)
		case "stale-after":
			c.StaleAfter, err = time.ParseDuration(v)
		case "content-root":
			c.ContentRoot = v
		case "work-dir":
			c.WorkDir = v
		case "tz":
			c.TZ = v
		case "nats-url":
			c.NATSURL = v
		case "nats-subject":
			c.NATSSubject = v
		case "publishers":
			c.Publishers = v
		}
		if err != nil {
			err = fmt.Errorf("--%s: %w", f.Name, err)
		}
	})
	return err
}

func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.DB, validation.Required),
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("console", "json")),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ScanInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.AcquireTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.PublishTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.StaleAfter, validation.Required),
		validation.Field(&c.ContentRoot, validation.Required),
		validation.Field(&c.WorkDir, validation.Required),
		validation.Field(&c.NATSSubject, validation.When(c.NATSURL != "", validation.Required)),
	)
	if err != nil {
		return err
	}
	// processing tasks younger than this may still be mid-dispatch
	if c.StaleAfter <= c.AcquireTimeout+c.PublishTimeout {
		return fmt.Errorf("stale-after (%s) must exceed acquire-timeout + publish-timeout (%s)",
			c.StaleAfter, c.AcquireTimeout+c.PublishTimeout)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TZ; "Local" and "" mean the host zone.
func (c Config) Location() (*time.Location, error) {
	if c.TZ == "" || strings.EqualFold(c.TZ, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return nil, fmt.Errorf("tz: %w", err)
	}
	return loc, nil
}

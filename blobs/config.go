package blobs

import (
	"log/slog"
	"maps"
	"time"
)

// DefaultPersistTimeout bounds how long a save waits on the persistent tier
// before degrading to the fallback tier.
const DefaultPersistTimeout = 3 * time.Second

// Config configures a Manager.
type Config struct {
	PersistTimeout time.Duration    // Persistent write deadline before fallback (default: 3s)
	Logger         *slog.Logger     // Defaults to slog.Default()
	Now            func() time.Time // Clock used for write generations (default: time.Now)

	// TableFields names the record field holding the payload for tables
	// that do not use "data". Reads in a fresh session rely on it: a save or
	// preload in the session overrides it for that table.
	TableFields map[string]string
}

// DefaultConfig returns the default Manager configuration.
func DefaultConfig() Config {
	return Config{
		PersistTimeout: DefaultPersistTimeout,
		Logger:         slog.Default(),
		Now:            time.Now,
	}
}

// Option configures a Manager.
type Option func(*Config)

// WithConfig replaces the whole configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		if cfg.PersistTimeout > 0 {
			c.PersistTimeout = cfg.PersistTimeout
		}
		if cfg.Logger != nil {
			c.Logger = cfg.Logger
		}
		if cfg.Now != nil {
			c.Now = cfg.Now
		}
		for table, field := range cfg.TableFields {
			WithTableField(table, field)(c)
		}
	}
}

// WithTableField sets the payload field read for table.
func WithTableField(table, field string) Option {
	return func(c *Config) {
		if table == "" || field == "" {
			return
		}
		c.TableFields = maps.Clone(c.TableFields)
		if c.TableFields == nil {
			c.TableFields = make(map[string]string)
		}
		c.TableFields[table] = field
	}
}

// WithPersistTimeout sets the persistent write deadline.
func WithPersistTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PersistTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// Package config loads and hot-reloads the settings table spec.md §6
// describes, using github.com/spf13/viper for the file/env/defaults
// layering and github.com/fsnotify/fsnotify (via viper's WatchConfig)
// to pick up changes to the safe-to-reload subset.
//
// Grounded on hazyhaar-GoClode's core.Engine: a watch loop that
// notifies registered callbacks on change, generalized here from a
// SQLite config table poll to viper's native file-watch event.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Backend selects which storage.Adapter implementation the process
// starts with. Unlike the rest of this table, it is read once at
// startup and never hot-reloaded: spec.md §9 Design Note treats the
// backend choice as fixed for the process lifetime.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config is the resolved settings table spec.md §6 lists.
type Config struct {
	Backend       Backend
	SQLitePath    string
	PostgresDSN   string
	PostgresPool  int
	ListenAddr    string

	MaxFrameBytes   int
	MaxFramesPerSec int
	QueryTimeout    time.Duration
	SnapshotTimeout time.Duration
	SubscriptionCap int

	CacheBackend Backend2
	CacheAddr    string // redis addr, or badger dir
	CacheTTL     time.Duration

	LogLevel       string
	LogDevelopment bool
}

// Backend2 avoids colliding with Backend's identifier set while still
// naming the cache_backend values (none/memory/redis/badger).
type Backend2 string

const (
	CacheNone   Backend2 = "none"
	CacheMemory Backend2 = "memory"
	CacheRedis  Backend2 = "redis"
	CacheBadger Backend2 = "badger"
)

func defaults(v *viper.Viper) {
	v.SetDefault("backend", "sqlite")
	v.SetDefault("sqlite_path", "livetable.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("postgres_pool", 10)
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("max_frame_bytes", 1<<20)
	v.SetDefault("max_frames_per_sec", 200)
	v.SetDefault("query_timeout", "5s")
	v.SetDefault("snapshot_timeout", "10s")
	v.SetDefault("subscription_queue_cap", 256)

	v.SetDefault("cache_backend", "none")
	v.SetDefault("cache_addr", "")
	v.SetDefault("cache_ttl", "5m")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Backend:      Backend(v.GetString("backend")),
		SQLitePath:   v.GetString("sqlite_path"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		PostgresPool: v.GetInt("postgres_pool"),
		ListenAddr:   v.GetString("listen_addr"),

		MaxFrameBytes:   v.GetInt("max_frame_bytes"),
		MaxFramesPerSec: v.GetInt("max_frames_per_sec"),
		QueryTimeout:    v.GetDuration("query_timeout"),
		SnapshotTimeout: v.GetDuration("snapshot_timeout"),
		SubscriptionCap: v.GetInt("subscription_queue_cap"),

		CacheBackend: Backend2(v.GetString("cache_backend")),
		CacheAddr:    v.GetString("cache_addr"),
		CacheTTL:     v.GetDuration("cache_ttl"),

		LogLevel:       v.GetString("log_level"),
		LogDevelopment: v.GetBool("log_development"),
	}
}

// Loader owns the live viper instance, the most recently resolved
// Config, and the set of callbacks notified on a safe-subset change.
type Loader struct {
	v *viper.Viper

	mu       sync.RWMutex
	current  Config
	watchers []func(Config)
}

// Load reads configPath (if non-empty) plus LIVETABLE_-prefixed
// environment variables into a Config, and starts watching
// configPath for subsequent edits.
func Load(configPath string) (*Loader, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("livetable")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	l := &Loader{v: v, current: fromViper(v)}

	if configPath != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			l.reload()
		})
	}
	return l, nil
}

// Current returns the most recently resolved Config. Safe for
// concurrent use with a reload in flight.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after every hot-reload. fn receives
// the freshly resolved Config; it is the caller's job to apply only
// the fields that are safe to change at runtime (rate limits, queue
// capacity, timeouts) and ignore the backend/DSN fields, which a
// running process never migrates live.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

func (l *Loader) reload() {
	next := fromViper(l.v)

	l.mu.Lock()
	l.current = next
	watchers := append([]func(Config){}, l.watchers...)
	l.mu.Unlock()

	for _, fn := range watchers {
		fn(next)
	}
}

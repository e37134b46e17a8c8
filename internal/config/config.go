// Package config loads the YAML configuration file and applies CHATCORE_*
// environment overrides on top of built-in defaults.
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

	"gopkg.in/yaml.v3"

	"advocate-chat/go-core/internal/waku"
)

const envPrefix = "CHATCORE_"

type Config struct {
	Session      SessionConfig
	Blocks       BlocksConfig
	Groups       GroupsConfig
	Messaging    MessagingConfig
	Subscription SubscriptionConfig
	Events       EventsConfig
	Feed         waku.Config
	Storage      StorageConfig
	Docstore     DocstoreConfig
	Metrics      MetricsConfig
	Log          LogConfig
}

type SessionConfig struct {
	Operator               string
	RestoreInitialInterval time.Duration
	RestoreMaxElapsed      time.Duration
	RestoreRetryInterval   time.Duration
	JournalPath            string
}

type BlocksConfig struct {
	PollInterval time.Duration
	CachePath    string
}

type GroupsConfig struct {
	CachePath string
}

type MessagingConfig struct {
	SendRateLimitRPS   float64
	SendRateLimitBurst int
	HistoryLimit       int
}

type SubscriptionConfig struct {
	TierCacheTTL time.Duration
}

type EventsConfig struct {
	DedupeWindow int
}

type StorageConfig struct {
	Dir    string
	Secret string
}

type DocstoreConfig struct {
	Driver string
	Path   string
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		Session: SessionConfig{
			RestoreInitialInterval: 200 * time.Millisecond,
			RestoreMaxElapsed:      10 * time.Second,
			RestoreRetryInterval:   30 * time.Second,
			JournalPath:            "swap-journal.enc",
		},
		Blocks: BlocksConfig{
			PollInterval: 5 * time.Second,
			CachePath:    "blocks.enc",
		},
		Groups: GroupsConfig{CachePath: "groups.enc"},
		Messaging: MessagingConfig{
			SendRateLimitRPS:   2,
			SendRateLimitBurst: 5,
			HistoryLimit:       50,
		},
		Subscription: SubscriptionConfig{TierCacheTTL: 5 * time.Minute},
		Events:       EventsConfig{DedupeWindow: 4096},
		Feed:         waku.DefaultConfig(),
		Storage:      StorageConfig{Dir: "data"},
		Docstore:     DocstoreConfig{Driver: "memory"},
		Log:          LogConfig{Level: "info", Format: "json"},
	}
}

// ResolvePath places relative state file paths under Storage.Dir.
func (c Config) ResolvePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || c.Storage.Dir == "" {
		return path
	}
	return filepath.Join(c.Storage.Dir, path)
}

// fileConfig mirrors the YAML layout. Pointer fields tell "unset" apart from
// an explicit false or zero.
type fileConfig struct {
	Session struct {
		Operator               string        `yaml:"operator"`
		RestoreInitialInterval time.Duration `yaml:"restoreInitialInterval"`
		RestoreMaxElapsed      time.Duration `yaml:"restoreMaxElapsed"`
		RestoreRetryInterval   time.Duration `yaml:"restoreRetryInterval"`
		JournalPath            string        `yaml:"journalPath"`
	} `yaml:"session"`
	Blocks struct {
		PollInterval time.Duration `yaml:"pollInterval"`
		CachePath    string        `yaml:"cachePath"`
	} `yaml:"blocks"`
	Groups struct {
		CachePath string `yaml:"cachePath"`
	} `yaml:"groups"`
	Messaging struct {
		SendRateLimitRPS   *float64 `yaml:"sendRateLimitRPS"`
		SendRateLimitBurst int      `yaml:"sendRateLimitBurst"`
		HistoryLimit       int      `yaml:"historyLimit"`
	} `yaml:"messaging"`
	Subscription struct {
		TierCacheTTL time.Duration `yaml:"tierCacheTTL"`
	} `yaml:"subscription"`
	Events struct {
		DedupeWindow int `yaml:"dedupeWindow"`
	} `yaml:"events"`
	Feed    FeedConfig `yaml:"feed"`
	Storage struct {
		Dir    string `yaml:"dir"`
		Secret string `yaml:"secret"`
	} `yaml:"storage"`
	Docstore struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"docstore"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type FeedConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          *bool         `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReplayLimit         int           `yaml:"replayLimit"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

// Load reads configPath, or the first default location that exists, and
// applies environment overrides. A missing file is not an error; an
// unparsable one is.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/chatcore.yaml", "chatcore.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && configPath == "" {
				continue
			}
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	setString(&dst.Session.Operator, src.Session.Operator)
	setDuration(&dst.Session.RestoreInitialInterval, src.Session.RestoreInitialInterval)
	setDuration(&dst.Session.RestoreMaxElapsed, src.Session.RestoreMaxElapsed)
	setDuration(&dst.Session.RestoreRetryInterval, src.Session.RestoreRetryInterval)
	setString(&dst.Session.JournalPath, src.Session.JournalPath)

	setDuration(&dst.Blocks.PollInterval, src.Blocks.PollInterval)
	setString(&dst.Blocks.CachePath, src.Blocks.CachePath)
	setString(&dst.Groups.CachePath, src.Groups.CachePath)

	if src.Messaging.SendRateLimitRPS != nil {
		dst.Messaging.SendRateLimitRPS = *src.Messaging.SendRateLimitRPS
	}
	setInt(&dst.Messaging.SendRateLimitBurst, src.Messaging.SendRateLimitBurst)
	setInt(&dst.Messaging.HistoryLimit, src.Messaging.HistoryLimit)

	setDuration(&dst.Subscription.TierCacheTTL, src.Subscription.TierCacheTTL)
	if src.Events.DedupeWindow != 0 {
		dst.Events.DedupeWindow = src.Events.DedupeWindow
	}

	MergeFeed(&dst.Feed, src.Feed)

	setString(&dst.Storage.Dir, src.Storage.Dir)
	setString(&dst.Storage.Secret, src.Storage.Secret)
	setString(&dst.Docstore.Driver, src.Docstore.Driver)
	setString(&dst.Docstore.Path, src.Docstore.Path)
	setString(&dst.Metrics.Addr, src.Metrics.Addr)
	setString(&dst.Log.Level, src.Log.Level)
	setString(&dst.Log.Format, src.Log.Format)
}

func MergeFeed(dst *waku.Config, src FeedConfig) {
	setString(&dst.Transport, src.Transport)
	setInt(&dst.Port, src.Port)
	setBool(&dst.EnableRelay, src.EnableRelay)
	setBool(&dst.EnableStore, src.EnableStore)
	setBool(&dst.EnableFilter, src.EnableFilter)
	setBool(&dst.EnableLightPush, src.EnableLightPush)
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	setBool(&dst.FailoverV1, src.FailoverV1)
	setInt(&dst.MinPeers, src.MinPeers)
	setInt(&dst.StoreQueryFanout, src.StoreQueryFanout)
	setInt(&dst.ReplayLimit, src.ReplayLimit)
	setDuration(&dst.ReconnectInterval, src.ReconnectInterval)
	setDuration(&dst.ReconnectBackoffMax, src.ReconnectBackoffMax)
}

// ApplyEnvOverrides applies CHATCORE_* variables. Malformed values are
// reported instead of silently ignored.
func ApplyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"SESSION_OPERATOR": &cfg.Session.Operator,
		"FEED_TRANSPORT":   &cfg.Feed.Transport,
		"STORAGE_DIR":      &cfg.Storage.Dir,
		"STORAGE_SECRET":   &cfg.Storage.Secret,
		"DOCSTORE_DRIVER":  &cfg.Docstore.Driver,
		"DOCSTORE_PATH":    &cfg.Docstore.Path,
		"METRICS_ADDR":     &cfg.Metrics.Addr,
		"LOG_LEVEL":        &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := lookupEnv("FEED_FAILOVER_V1"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sFEED_FAILOVER_V1: %w", envPrefix, err)
		}
		cfg.Feed.FailoverV1 = b
	}
	durations := map[string]*time.Duration{
		"BLOCKS_POLL_INTERVAL":        &cfg.Blocks.PollInterval,
		"SESSION_RESTORE_MAX_ELAPSED": &cfg.Session.RestoreMaxElapsed,
		"SUBSCRIPTION_TIER_CACHE_TTL": &cfg.Subscription.TierCacheTTL,
	}
	for name, dst := range durations {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + name))
	return v, v != ""
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

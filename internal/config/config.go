// Package config loads the shard configuration from config.yaml, a local
// .env file and CANVASPIX_* environment variables, in rising precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"canvaspix/internal/canvas"
	"canvaspix/internal/fishing"
	"canvaspix/internal/ratelimit"
	"canvaspix/internal/server"
)

const EnvPrefix = "CANVASPIX"

type Config struct {
	Server       server.Config       `mapstructure:"server"`
	RateLimit    RateLimit           `mapstructure:"ratelimit"`
	Redis        Redis               `mapstructure:"redis"`
	NATS         NATS                `mapstructure:"nats"`
	Postgres     Postgres            `mapstructure:"postgres"`
	Cluster      Cluster             `mapstructure:"cluster"`
	Log          Log                 `mapstructure:"log"`
	Auth         Auth                `mapstructure:"auth"`
	SharedConfig SharedConfig        `mapstructure:"sharedConfig"`
	Fishing      Fishing             `mapstructure:"fishing"`
	Ranking      Ranking             `mapstructure:"ranking"`
	Canvases     []canvas.Definition `mapstructure:"canvases"`
}

// RateLimit overrides the limiter settings of the server section.
type RateLimit struct {
	Connect ratelimit.Config `mapstructure:"connect"`
	Message ratelimit.Config `mapstructure:"message"`
	Chunk   ratelimit.Config `mapstructure:"chunk"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATS struct {
	URL string `mapstructure:"url"`
}

// Postgres is optional. Without a URL allowances are never looked up and
// the audit trail is discarded.
type Postgres struct {
	URL                string        `mapstructure:"url"`
	AllowanceTTL       time.Duration `mapstructure:"allowanceTtl"`
	AllowanceCacheSize int64         `mapstructure:"allowanceCacheSize"`
	AuditBatch         int           `mapstructure:"auditBatch"`
	AuditInterval      time.Duration `mapstructure:"auditInterval"`
}

// Cluster is left with an empty Shard on a standalone deployment.
type Cluster struct {
	Shard             string        `mapstructure:"shard"`
	Transport         string        `mapstructure:"transport"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	ShardTimeout      time.Duration `mapstructure:"shardTimeout"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
	RequestAllTimeout time.Duration `mapstructure:"requestAllTimeout"`
	LeaderInterval    time.Duration `mapstructure:"leaderInterval"`
}

func (c Cluster) Enabled() bool { return c.Shard != "" }

type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

type Auth struct {
	Secret        string `mapstructure:"secret"`
	Cookie        string `mapstructure:"cookie"`
	CountryHeader string `mapstructure:"countryHeader"`
}

type SharedConfig struct {
	CooldownFactor       float64 `mapstructure:"cooldownFactor"`
	VerificationRequired bool    `mapstructure:"verificationRequired"`
	SnapshotPath         string  `mapstructure:"snapshotPath"`
}

type Fishing struct {
	Enabled        bool `mapstructure:"enabled"`
	fishing.Config `mapstructure:",squash"`
}

type Ranking struct {
	Retention time.Duration `mapstructure:"retention"`
}

var (
	ErrNoCanvases       = errors.New("no canvases configured")
	ErrUnknownTransport = errors.New("unknown cluster transport")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.trustProxy", false)
	v.SetDefault("server.maxConnectionsPerIp", 50)
	v.SetDefault("server.maxChunksPerClient", 20000)
	v.SetDefault("server.idleTimeout", "120s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.allowanceTtl", "30s")
	v.SetDefault("postgres.allowanceCacheSize", 100000)
	v.SetDefault("postgres.auditBatch", 500)
	v.SetDefault("postgres.auditInterval", "1s")

	v.SetDefault("cluster.shard", "")
	v.SetDefault("cluster.transport", "redis")
	v.SetDefault("cluster.leaderInterval", "1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMb", 100)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 14)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.cookie", "pp.session")
	v.SetDefault("auth.countryHeader", "CF-IPCountry")

	v.SetDefault("sharedConfig.cooldownFactor", 1.0)
	v.SetDefault("sharedConfig.verificationRequired", false)
	v.SetDefault("sharedConfig.snapshotPath", "sharedcfg.db")

	v.SetDefault("fishing.enabled", false)
	v.SetDefault("ranking.retention", "720h")
}

// Load reads name.yaml from dir. A missing file is not an error; the
// defaults and the environment then carry the whole configuration.
func Load(dir, name string) (*Config, bool, error) {
	// a missing .env is the normal case outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		found = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, found, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Canvases) == 0 {
		cfg.Canvases = DefaultCanvases()
	}
	cfg.Server.ConnectLimit = cfg.RateLimit.Connect.Or(cfg.Server.ConnectLimit)
	cfg.Server.MessageLimit = cfg.RateLimit.Message.Or(cfg.Server.MessageLimit)
	cfg.Server.ChunkLimit = cfg.RateLimit.Chunk.Or(cfg.Server.ChunkLimit)
	if err := cfg.Validate(); err != nil {
		return nil, found, err
	}
	return &cfg, found, nil
}

func (c *Config) Validate() error {
	if len(c.Canvases) == 0 {
		return ErrNoCanvases
	}
	switch c.Cluster.Transport {
	case "redis", "nats":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Cluster.Transport)
	}
	if c.SharedConfig.CooldownFactor < 0 {
		return fmt.Errorf("sharedConfig.cooldownFactor: negative value %v", c.SharedConfig.CooldownFactor)
	}
	return nil
}

// palette of the main canvas; indices 0 and 1 are the ignored background
// colours.
var defaultPalette = []string{
	"#cae3ff", "#ffffff", "#ffffff", "#e4e4e4", "#c4c4c4", "#888888",
	"#4e4e4e", "#000000", "#f4b3ae", "#ffa7d1", "#ff54b2", "#ff6565",
	"#e50000", "#9a0000", "#fea460", "#e59500", "#a06a42", "#604028",
	"#f5dfb0", "#fff889", "#e5d900", "#94e044", "#02be01", "#688338",
	"#006513", "#cae3ff", "#00d3dd", "#0083c7", "#0000ea", "#191973",
	"#cf6ee4", "#820080",
}

// DefaultCanvases is the single earth canvas used when none are configured.
func DefaultCanvases() []canvas.Definition {
	return []canvas.Definition{{
		ID:            0,
		Ident:         "d",
		Title:         "Earth",
		Size:          256 * canvas.TileSize,
		Palette:       append([]string(nil), defaultPalette...),
		ColorIgnore:   2,
		BaseCooldown:  3000,
		PixelCooldown: 5000,
		StackLimit:    60000,
		Ranked:        true,
	}}
}

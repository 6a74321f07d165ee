package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// GEOROOM_SERVER_HTTP_ADDRESS.
const EnvPrefix = "GEOROOM"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Game     GameConfig     `mapstructure:"game"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

type ServerConfig struct {
	HTTPAddress    string        `mapstructure:"http_address"`
	RPCAddress     string        `mapstructure:"rpc_address"`
	PublicURL      string        `mapstructure:"public_url"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`

	// SessionIdleTimeout closes connections that send nothing for this long;
	// zero disables the sweep.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
}

type GameConfig struct {
	CatalogSource     string        `mapstructure:"catalog_source"`
	CatalogPath       string        `mapstructure:"catalog_path"`
	AllowEmptyCatalog bool          `mapstructure:"allow_empty_catalog"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ManualSettleDelay time.Duration `mapstructure:"manual_settle_delay"`
	RoomIdleTimeout   time.Duration `mapstructure:"room_idle_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
}

type ChatConfig struct {
	MaxLength     int     `mapstructure:"max_length"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Catalog sources.
const (
	SourceFile     = "file"
	SourceGorm     = "gorm"
	SourcePostgres = "postgres"
)

// New returns a viper instance with defaults and environment overrides set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", "127.0.0.1:8081")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.session_idle_timeout", 30*time.Minute)

	v.SetDefault("game.catalog_source", SourceFile)
	v.SetDefault("game.catalog_path", "rounds.yaml")
	v.SetDefault("game.allow_empty_catalog", false)
	v.SetDefault("game.settle_delay", 3*time.Second)
	v.SetDefault("game.manual_settle_delay", 1*time.Second)
	v.SetDefault("game.room_idle_timeout", 10*time.Minute)
	v.SetDefault("game.reap_interval", time.Minute)

	v.SetDefault("chat.max_length", 500)
	v.SetDefault("chat.rate_per_second", 2.0)
	v.SetDefault("chat.burst", 5)

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "georoom")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "georoom")
}

// Load reads config.yaml from path when present and unmarshals v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPAddress == "" {
		errs = append(errs, errors.New("server.http_address is required"))
	}
	switch c.Game.CatalogSource {
	case SourceFile:
		if c.Game.CatalogPath == "" {
			errs = append(errs, errors.New("game.catalog_path is required for the file source"))
		}
	case SourceGorm, SourcePostgres:
	default:
		errs = append(errs, fmt.Errorf("game.catalog_source must be file, gorm or postgres, got %q", c.Game.CatalogSource))
	}
	if c.Game.SettleDelay <= 0 || c.Game.ManualSettleDelay <= 0 {
		errs = append(errs, errors.New("settle delays must be positive"))
	}
	if c.Game.RoomIdleTimeout <= 0 || c.Game.ReapInterval <= 0 {
		errs = append(errs, errors.New("game.room_idle_timeout and game.reap_interval must be positive"))
	}
	if c.Chat.MaxLength <= 0 {
		errs = append(errs, errors.New("chat.max_length must be positive"))
	}
	if c.Chat.RatePerSecond <= 0 || c.Chat.Burst <= 0 {
		errs = append(errs, errors.New("chat.rate_per_second and chat.burst must be positive"))
	}
	if c.Server.SessionIdleTimeout < 0 {
		errs = append(errs, errors.New("server.session_idle_timeout must not be negative"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

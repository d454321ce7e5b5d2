package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SOCIALCHAT"

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// RedisConfig enables the shared presence counter and the cross-instance
// relay when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type WSConfig struct {
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	VerifyJoin      bool          `mapstructure:"verify_join"`
	ReadScope       string        `mapstructure:"read_scope"`
	EventTimeout    time.Duration `mapstructure:"event_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type OtelConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	WS       WSConfig       `mapstructure:"ws"`
	Log      LogConfig      `mapstructure:"log"`
	Otel     OtelConfig     `mapstructure:"otel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("database.path", filepath.Join("data", "socialchat.db"))
	v.SetDefault("auth.jwt_secret", "your-secret-key")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "socialchat")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chat.messages.created")
	v.SetDefault("ws.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("ws.verify_join", true)
	v.SetDefault("ws.read_scope", "room")
	v.SetDefault("ws.event_timeout", 5*time.Second)
	v.SetDefault("ws.ping_interval", 54*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.max_message_bytes", 64*1024)
	v.SetDefault("ws.rate_per_second", 20.0)
	v.SetDefault("ws.rate_burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service_name", "socialchat")
}

// Load reads configuration from defaults, an optional config file and
// SOCIALCHAT_* environment variables, in increasing precedence. A .env file
// in the working directory is loaded into the environment first.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.WS.ReadScope {
	case "room", "all":
	default:
		return fmt.Errorf("ws.read_scope must be room or all, got %q", c.WS.ReadScope)
	}
	if c.WS.PingInterval >= c.WS.PongWait {
		return fmt.Errorf("ws.ping_interval (%s) must be shorter than ws.pong_wait (%s)", c.WS.PingInterval, c.WS.PongWait)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	return nil
}

// DatabasePath returns the SQLite path resolved against the working
// directory.
func (c *Config) DatabasePath() (string, error) {
	path := strings.TrimPrefix(c.Database.Path, "sqlite://")
	if filepath.IsAbs(path) {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	return filepath.Join(cwd, path), nil
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHOPASSIST_CLIENT_BASE_URL.
const EnvPrefix = "SHOPASSIST"

// Config represents runtime configuration for both the chat client and the
// reference backend.
type Config struct {
	Client    ClientConfig              `mapstructure:"client"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Databases map[string]DatabaseConfig `mapstructure:"databases"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Log       LogConfig                 `mapstructure:"log"`

	// File is the config file that was read, empty when only defaults and
	// environment were used.
	File string `mapstructure:"-"`
}

// ClientConfig configures the chat session and its collaborators.
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ChatEndpoint   string        `mapstructure:"chat_endpoint"`
	UploadEndpoint string        `mapstructure:"upload_endpoint"`
	ToolsEndpoint  string        `mapstructure:"tools_endpoint"`
	ChatID         string        `mapstructure:"chat_id"`
	AuthToken      string        `mapstructure:"auth_token"`
	Language       string        `mapstructure:"language"`
	Debug          bool          `mapstructure:"debug"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects where session state is persisted.
type StorageConfig struct {
	// Driver is one of file, memory, sqlite3, mysql, redis.
	Driver     string `mapstructure:"driver"`
	Dir        string `mapstructure:"dir"`
	HistoryKey string `mapstructure:"history_key"`
	InputsKey  string `mapstructure:"inputs_key"`
}

// DatabaseConfig stores connection details for one SQL driver.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig holds the reference backend's settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	Provider       string        `mapstructure:"provider"`
	FileBaseDir    string        `mapstructure:"file_base_dir"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	StreamTimeout  time.Duration `mapstructure:"stream_timeout"`
	UploadTTL      time.Duration `mapstructure:"upload_ttl"`
	RunRetention   time.Duration `mapstructure:"run_retention"`
	CleanInterval  time.Duration `mapstructure:"clean_interval"`
	ToolCacheTTL   time.Duration `mapstructure:"tool_cache_ttl"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	StaticTokens   []string      `mapstructure:"static_tokens"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	SystemPrompt   string        `mapstructure:"system_prompt"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var storageDrivers = map[string]bool{
	"file": true, "memory": true, "sqlite3": true, "sqlite": true, "mysql": true, "redis": true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", "http://localhost:8090")
	v.SetDefault("client.chat_endpoint", "/api/chat")
	v.SetDefault("client.upload_endpoint", "/api/uploads")
	v.SetDefault("client.tools_endpoint", "/api/tools")
	v.SetDefault("client.chat_id", "default")
	v.SetDefault("client.auth_token", "")
	v.SetDefault("client.language", "en")
	v.SetDefault("client.debug", false)
	v.SetDefault("client.timeout", "30s")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dir", "./data/state")
	v.SetDefault("storage.history_key", "shopassist.chat.messages")
	v.SetDefault("storage.inputs_key", "shopassist.chat.inputs")

	v.SetDefault("databases.sqlite3.dsn", "./data/shopassist.db")
	v.SetDefault("databases.mysql.host", "127.0.0.1")
	v.SetDefault("databases.mysql.port", 3306)
	v.SetDefault("databases.mysql.username", "root")
	v.SetDefault("databases.mysql.password", "")
	v.SetDefault("databases.mysql.db_name", "shopassist")
	v.SetDefault("databases.mysql.params", "parseTime=true&charset=utf8mb4")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.provider", "openai")
	v.SetDefault("server.file_base_dir", "./data/uploads")
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.upload_ttl", "24h")
	v.SetDefault("server.stream_timeout", "2m")
	v.SetDefault("server.run_retention", "5m")
	v.SetDefault("server.clean_interval", "1m")
	v.SetDefault("server.tool_cache_ttl", "1m")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.static_tokens", []string{})
	v.SetDefault("server.rate_limit", 2.0)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("server.system_prompt", "You are a helpful shop assistant. Use the available tools when they help answer the question.")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

// Load reads configuration from path, or from $SHOPASSIST_CONFIG, or from a
// config.{json,yaml} in the working directory. A missing default file is not
// an error; a missing explicit file is. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.File != "" {
		base := filepath.Dir(cfg.File)
		cfg.Storage.Dir = resolvePath(base, cfg.Storage.Dir)
		cfg.Server.FileBaseDir = resolvePath(base, cfg.Server.FileBaseDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	driver := strings.ToLower(c.Storage.Driver)
	if !storageDrivers[driver] {
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if driver == "file" && c.Storage.Dir == "" {
		return errors.New("storage.dir must be configured for the file driver")
	}
	if c.Storage.HistoryKey == "" || c.Storage.InputsKey == "" {
		return errors.New("storage.history_key and storage.inputs_key must be set")
	}
	u, err := url.Parse(c.Client.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("client.base_url must be an absolute URL: %q", c.Client.BaseURL)
	}
	return nil
}

// Endpoint resolves an endpoint path against the base URL. Absolute
// endpoints are returned unchanged.
func (c ClientConfig) Endpoint(endpoint string) string {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return endpoint
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return base.ResolveReference(ref).String()
}

// ChatURL is the resolved chat endpoint.
func (c ClientConfig) ChatURL() string { return c.Endpoint(c.ChatEndpoint) }

// UploadURL is the resolved upload endpoint.
func (c ClientConfig) UploadURL() string { return c.Endpoint(c.UploadEndpoint) }

// ToolsURL is the resolved tool catalog endpoint.
func (c ClientConfig) ToolsURL() string { return c.Endpoint(c.ToolsEndpoint) }

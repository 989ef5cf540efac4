package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketmux MarketmuxConfig           `yaml:"marketmux"`
	Logging   LoggingConfig             `yaml:"logging"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Engine    EngineConfig              `yaml:"engine"`
	Templates map[string]TemplateConfig `yaml:"templates"`
	Events    map[string]EventConfig    `yaml:"events"`
	Source    SourceConfig              `yaml:"source"`
	Storage   StorageConfig             `yaml:"storage"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

type MarketmuxConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	BookBuffer  int `yaml:"book_buffer"`
	ErrorBuffer int `yaml:"error_buffer"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

// EngineConfig carries the timeouts and rate limits applied by the
// subscription engine. SendRate/SendBurst bound the frequency of outbound
// subscribe and unsubscribe frames; exchanges disconnect clients that exceed
// their control-frame budgets.
type EngineConfig struct {
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MessageBuffer    int           `yaml:"message_buffer"`
	SendRate         float64       `yaml:"send_rate"`
	SendBurst        int           `yaml:"send_burst"`
}

// TemplateConfig describes one kind of physical connection. The URL may
// contain the {id}, {event}, {symbol} and {streams} placeholders which are
// substituted when a connection id is derived for a subscription request.
type TemplateConfig struct {
	URL               string `yaml:"url"`
	Type              string `yaml:"type"`
	WaitForReadyEvent string `yaml:"wait_for_ready_event"`
}

// EventConfig binds a logical event name (e.g. "orderbook") to a connection
// template. ConnID and Stream are placeholder patterns resolved per request.
// Merge selects the order book merge semantics for the event: "replace"
// (default) treats delta amounts as absolute sizes, "additive" treats them as
// signed increments.
type EventConfig struct {
	Template string `yaml:"template"`
	ConnID   string `yaml:"conn_id"`
	Stream   string `yaml:"stream"`
	Merge    string `yaml:"merge"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	RestURL       string   `yaml:"rest_url"`
	SnapshotLimit int      `yaml:"snapshot_limit"`
	Symbols       []string `yaml:"symbols"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Engine: EngineConfig{
			SubscribeTimeout: 10 * time.Second,
			ConnectTimeout:   10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     30 * time.Second,
			MessageBuffer:    1024,
			SendRate:         4,
			SendBurst:        8,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketmux.Name == "" {
		return fmt.Errorf("marketmux.name is required")
	}

	if cfg.Marketmux.Version == "" {
		return fmt.Errorf("marketmux.version is required")
	}

	if cfg.Channels.BookBuffer <= 0 {
		return fmt.Errorf("channels.book_buffer must be greater than 0")
	}
	if cfg.Channels.ErrorBuffer <= 0 {
		return fmt.Errorf("channels.error_buffer must be greater than 0")
	}

	if cfg.Engine.SubscribeTimeout <= 0 {
		return fmt.Errorf("engine.subscribe_timeout must be greater than 0")
	}
	if cfg.Engine.ConnectTimeout <= 0 {
		return fmt.Errorf("engine.connect_timeout must be greater than 0")
	}
	if cfg.Engine.MessageBuffer <= 0 {
		return fmt.Errorf("engine.message_buffer must be greater than 0")
	}

	for name, tpl := range cfg.Templates {
		if tpl.URL == "" {
			return fmt.Errorf("templates.%s.url is required", name)
		}
		if tpl.Type == "" {
			return fmt.Errorf("templates.%s.type is required", name)
		}
	}

	for name, evt := range cfg.Events {
		if evt.Template == "" {
			return fmt.Errorf("events.%s.template is required", name)
		}
		if _, ok := cfg.Templates[evt.Template]; !ok {
			return fmt.Errorf("events.%s references unknown template '%s'", name, evt.Template)
		}
		switch evt.Merge {
		case "", "replace", "additive":
		default:
			return fmt.Errorf("events.%s.merge must be 'replace' or 'additive'", name)
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if IsProductionLike(AppEnvironment()) {
			if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
				return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
			}
		}
	}

	return nil
}

// ImplodeParams substitutes {name} placeholders in pattern with the provided
// values. Unknown placeholders are left untouched so later substitution
// passes can fill them in.
func ImplodeParams(pattern string, params map[string]string) string {
	out := pattern
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Package config loads the settings shared by the ingest, process and feed
// commands. A Config is built once at startup and handed to each component.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"wikiwatch/internal/classifier"
)

const EnvPrefix = "WIKIWATCH"

type SourceConfig struct {
	URL       string `mapstructure:"url"`
	UserAgent string `mapstructure:"user_agent"` // Wikimedia rejects anonymous clients
}

type RedisConfig struct {
	URL      string `mapstructure:"url"` // redis://host:port/db, overrides the fields below
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// Addr is host:port for the Redis connection.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type InputQueueConfig struct {
	Key    string        `mapstructure:"key"`
	MaxLen int64         `mapstructure:"max_len"`
	TTL    time.Duration `mapstructure:"ttl"` // idle window before the key is dropped
}

type FeedQueueConfig struct {
	Key string `mapstructure:"key"`
	Cap int64  `mapstructure:"cap"`
}

type QueuesConfig struct {
	Input     InputQueueConfig `mapstructure:"input"`
	Live      FeedQueueConfig  `mapstructure:"live"`
	Vandalism FeedQueueConfig  `mapstructure:"vandalism"`
}

type RulesConfig struct {
	LargeDeletionThreshold        int      `mapstructure:"large_deletion_threshold"`
	LargeAdditionNewUserThreshold int      `mapstructure:"large_addition_new_user_threshold"`
	Keywords                      []string `mapstructure:"keywords"`
}

// Classifier converts the settings into classifier rules.
func (r RulesConfig) Classifier() classifier.Rules {
	return classifier.Rules{
		LargeDeletionThreshold:        r.LargeDeletionThreshold,
		LargeAdditionNewUserThreshold: r.LargeAdditionNewUserThreshold,
		Keywords:                      append([]string(nil), r.Keywords...),
	}
}

type IngestConfig struct {
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"` // after transport failures
	ErrorDelay     time.Duration `mapstructure:"error_delay"`     // after anything else
}

type ProcessConfig struct {
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

type FeedConfig struct {
	Codec string `mapstructure:"codec"` // json | msgpack
}

type ReaderConfig struct {
	Refresh        time.Duration `mapstructure:"refresh"`
	LiveLimit      int64         `mapstructure:"live_limit"`
	VandalismLimit int64         `mapstructure:"vandalism_limit"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Queues  QueuesConfig  `mapstructure:"queues"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Process ProcessConfig `mapstructure:"process"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Reader  ReaderConfig  `mapstructure:"reader"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SetDefaults registers every key with its default so that environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.url", "https://stream.wikimedia.org/v2/stream/recentchange")
	v.SetDefault("source.user_agent", "wikiwatch/1.0 (vandalism feed monitor)")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("queues.input.key", "wikipedia_events")
	v.SetDefault("queues.input.max_len", 10000)
	v.SetDefault("queues.input.ttl", time.Hour)
	v.SetDefault("queues.live.key", "processed_edits:live_feed")
	v.SetDefault("queues.live.cap", 100)
	v.SetDefault("queues.vandalism.key", "processed_edits:vandalism_feed")
	v.SetDefault("queues.vandalism.cap", 50)

	rules := classifier.DefaultRules()
	v.SetDefault("rules.large_deletion_threshold", rules.LargeDeletionThreshold)
	v.SetDefault("rules.large_addition_new_user_threshold", rules.LargeAdditionNewUserThreshold)
	v.SetDefault("rules.keywords", rules.Keywords)

	v.SetDefault("ingest.reconnect_delay", 5*time.Second)
	v.SetDefault("ingest.error_delay", 10*time.Second)

	v.SetDefault("process.error_backoff", 5*time.Second)
	v.SetDefault("process.poll_timeout", time.Second)

	v.SetDefault("feed.codec", "json")

	v.SetDefault("reader.refresh", 3*time.Second)
	v.SetDefault("reader.live_limit", 20)
	v.SetDefault("reader.vandalism_limit", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.addr", "")
}

// Load reads the optional config file at path, applies WIKIWATCH_* environment
// overrides and defaults, and validates the result.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns the configuration with no file or environment applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var c Config
	// Defaults always decode.
	_ = v.Unmarshal(&c)
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required"))
	}
	if c.Redis.URL == "" && (c.Redis.Host == "" || c.Redis.Port <= 0) {
		errs = append(errs, errors.New("redis.host and redis.port are required when redis.url is empty"))
	}
	for name, key := range map[string]string{
		"queues.input.key":     c.Queues.Input.Key,
		"queues.live.key":      c.Queues.Live.Key,
		"queues.vandalism.key": c.Queues.Vandalism.Key,
	} {
		if key == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.Queues.Input.MaxLen <= 0 {
		errs = append(errs, errors.New("queues.input.max_len must be positive"))
	}
	if c.Queues.Input.TTL <= 0 {
		errs = append(errs, errors.New("queues.input.ttl must be positive"))
	}
	if c.Queues.Live.Cap <= 0 || c.Queues.Vandalism.Cap <= 0 {
		errs = append(errs, errors.New("feed queue caps must be positive"))
	}
	if c.Rules.LargeDeletionThreshold >= 0 {
		errs = append(errs, errors.New("rules.large_deletion_threshold must be negative"))
	}
	if c.Rules.LargeAdditionNewUserThreshold <= 0 {
		errs = append(errs, errors.New("rules.large_addition_new_user_threshold must be positive"))
	}
	if c.Ingest.ReconnectDelay <= 0 || c.Ingest.ErrorDelay <= 0 {
		errs = append(errs, errors.New("ingest delays must be positive"))
	}
	if c.Process.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("process.error_backoff must be positive"))
	}
	if c.Process.PollTimeout < time.Second {
		// BLPOP timeouts have one-second resolution.
		errs = append(errs, errors.New("process.poll_timeout must be at least 1s"))
	}
	switch c.Feed.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("feed.codec %q is not one of json, msgpack", c.Feed.Codec))
	}
	if c.Reader.Refresh <= 0 || c.Reader.LiveLimit <= 0 || c.Reader.VandalismLimit <= 0 {
		errs = append(errs, errors.New("reader refresh and limits must be positive"))
	}
	return errors.Join(errs...)
}

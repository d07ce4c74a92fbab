package main

import (
	"os"
	"time"

	redisstore "github.com/agentuity/go-metacache/backend/redis"
	"github.com/agentuity/go-metacache/resilience"
	"github.com/agentuity/go-metacache/routing"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in YAML as a human duration such as
// "1m30s", "250ms" or "1w".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return str2duration.String(time.Duration(d)), nil
}

// Settings are the cache settings read from the settings section of the
// topology file. Zero values keep the library defaults.
type Settings struct {
	PageSize int `yaml:"pageSize,omitempty"`
	Breaker  struct {
		MaxFailures    int      `yaml:"maxFailures,omitempty"`
		Timeout        Duration `yaml:"timeout,omitempty"`
		RequestTimeout Duration `yaml:"requestTimeout,omitempty"`
	} `yaml:"breaker"`
	Retry struct {
		MaxRetries     int      `yaml:"maxRetries,omitempty"`
		InitialBackoff Duration `yaml:"initialBackoff,omitempty"`
		MaxBackoff     Duration `yaml:"maxBackoff,omitempty"`
	} `yaml:"retry"`
	Redis struct {
		Prefix       string   `yaml:"prefix,omitempty"`
		QueryTimeout Duration `yaml:"queryTimeout,omitempty"`
	} `yaml:"redis"`
}

// ParseSettings reads the settings section of a topology document.
func ParseSettings(data []byte) (*Settings, error) {
	var doc struct {
		Settings Settings `yaml:"settings"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "error decoding settings")
	}
	return &doc.Settings, nil
}

// LoadSettings reads the settings section of a topology file. An empty
// filename yields the defaults.
func LoadSettings(filename string) (*Settings, error) {
	if filename == "" {
		return &Settings{}, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", filename)
	}
	return ParseSettings(data)
}

// BreakerConfig returns the breaker configuration named name.
func (s *Settings) BreakerConfig(name string) resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	cfg.Name = name
	if s.Breaker.MaxFailures > 0 {
		cfg.MaxFailures = s.Breaker.MaxFailures
	}
	if s.Breaker.Timeout > 0 {
		cfg.Timeout = time.Duration(s.Breaker.Timeout)
	}
	if s.Breaker.RequestTimeout > 0 {
		cfg.RequestTimeout = time.Duration(s.Breaker.RequestTimeout)
	}
	return cfg
}

// RetryConfig returns the retry policy for incomplete routing topologies.
func (s *Settings) RetryConfig() resilience.RetryConfig {
	cfg := routing.DefaultRetryConfig()
	if s.Retry.MaxRetries > 0 {
		cfg.MaxRetries = s.Retry.MaxRetries
	}
	if s.Retry.InitialBackoff > 0 {
		cfg.InitialBackoff = time.Duration(s.Retry.InitialBackoff)
	}
	if s.Retry.MaxBackoff > 0 {
		cfg.MaxBackoff = time.Duration(s.Retry.MaxBackoff)
	}
	return cfg
}

// RedisOptions returns the options of the Redis backend.
func (s *Settings) RedisOptions() []redisstore.Option {
	return []redisstore.Option{
		redisstore.WithPrefix(s.Redis.Prefix),
		redisstore.WithQueryTimeout(time.Duration(s.Redis.QueryTimeout)),
	}
}

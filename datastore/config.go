package datastore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/idgen"
	"github.com/syssam/vxdata/security"
)

// DefaultMaxRepagingIterations bounds the in-memory re-paging loop.
const DefaultMaxRepagingIterations = 10000

// Config holds the store settings. It can be decoded from YAML with LoadConfig.
type Config struct {
	// MaxIDListSize is the largest id list of one IN query. Zero asks the
	// transaction manager for its limit, if any.
	MaxIDListSize int `yaml:"maxIdListSize"`
	// LobSortSupported tells whether the database can order by large objects.
	LobSortSupported bool `yaml:"lobSortSupported"`
	// InMemoryDistinct removes distinct from queries and deduplicates loaded
	// rows in memory instead.
	InMemoryDistinct bool `yaml:"inMemoryDistinct"`
	// MaxRepagingIterations caps the queries issued to fill one page when
	// rows are filtered in memory.
	MaxRepagingIterations int `yaml:"maxRepagingIterations"`
	// DefaultJoinTransaction makes every load and commit join the ambient
	// transaction.
	DefaultJoinTransaction bool `yaml:"defaultJoinTransaction"`
	// QueryCacheTTL is the lifetime of cached query results. Zero never expires.
	QueryCacheTTL time.Duration `yaml:"queryCacheTTL"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{MaxRepagingIterations: DefaultMaxRepagingIterations}
}

// LoadConfig decodes YAML settings on top of the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("datastore: decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.MaxIDListSize < 0:
		return vxdata.NewConfigError("maxIdListSize", c.MaxIDListSize, "must not be negative")
	case c.MaxRepagingIterations < 0:
		return vxdata.NewConfigError("maxRepagingIterations", c.MaxRepagingIterations, "must not be negative")
	case c.QueryCacheTTL < 0:
		return vxdata.NewConfigError("queryCacheTTL", c.QueryCacheTTL, "must not be negative")
	}
	if c.MaxRepagingIterations == 0 {
		c.MaxRepagingIterations = DefaultMaxRepagingIterations
	}
	return nil
}

// Option configures a Store.
type Option func(*Store) error

// WithConfig sets the store settings.
func WithConfig(cfg Config) Option {
	return func(s *Store) error {
		if err := cfg.validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithSecurity enables permission checks and in-memory constraints for
// contexts requiring authorization.
func WithSecurity(sec security.Security) Option {
	return func(s *Store) error {
		if sec == nil {
			return vxdata.NewConfigError("Security", nil, "security cannot be nil")
		}
		s.sec = sec
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) error {
		if l == nil {
			return vxdata.NewConfigError("Logger", nil, "logger cannot be nil")
		}
		s.log = l
		return nil
	}
}

// WithCache enables the result cache of cacheable queries.
func WithCache(c vxdata.Cache) Option {
	return func(s *Store) error {
		s.cache = c
		return nil
	}
}

// WithIDGenerator sets the generator of numeric primary keys for new
// instances committed without an id.
func WithIDGenerator(ids *idgen.Cache) Option {
	return func(s *Store) error {
		s.ids = ids
		return nil
	}
}

// WithListener registers a lifecycle listener for the entity and its
// descendants. An empty entity name registers it for every entity.
func WithListener(entity string, l Listener) Option {
	return func(s *Store) error {
		if l == nil {
			return vxdata.NewConfigError("Listener", entity, "listener cannot be nil")
		}
		if entity != "" {
			if _, err := s.reg.Class(entity); err != nil {
				return vxdata.NewConfigError("Listener", entity, err.Error())
			}
		}
		s.listeners = append(s.listeners, listenerEntry{entity: entity, l: l})
		return nil
	}
}

// WithEventPublisher sets the receiver of entity changed events.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Store) error {
		s.publisher = p
		return nil
	}
}

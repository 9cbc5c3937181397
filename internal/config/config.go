// Package config loads the starfield configuration.
//
// Values come from Default, then an optional YAML file, then STARFIELD_*
// environment variables, then command-line flags applied by the caller.
// The result is validated once, after every layer has been applied.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agentic-research/starfield/internal/cache"
	"github.com/agentic-research/starfield/internal/decor"
	"github.com/agentic-research/starfield/internal/entity"
	"github.com/agentic-research/starfield/internal/ingest"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/layout"
	"github.com/agentic-research/starfield/internal/lod"
	"github.com/agentic-research/starfield/internal/media"
	"github.com/agentic-research/starfield/internal/remote"
	"github.com/agentic-research/starfield/internal/selection"
	"github.com/agentic-research/starfield/internal/snapshot"
)

// Store configures the entity store.
type Store struct {
	RenderCap int `yaml:"render_cap" validate:"gt=0"`
}

// Storage configures the local key-value file.
type Storage struct {
	Path string `yaml:"path" validate:"required"`
	// Quota in bytes; zero disables it.
	Quota int64 `yaml:"quota" validate:"gte=0"`
}

// HTTP configures the API surface.
type HTTP struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Log configures the logger.
type Log struct {
	Environment string `yaml:"environment" validate:"oneof=development production"`
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Engine configures the frame loop.
type Engine struct {
	FrameInterval time.Duration `yaml:"frame_interval" validate:"gt=0"`
	SearchLimit   int           `yaml:"search_limit" validate:"gt=0"`
	// SearchMinChars is the shortest query sent to the remote service.
	SearchMinChars int `yaml:"search_min_chars" validate:"gte=1"`
}

// Config is the whole configuration.
type Config struct {
	Remote    remote.Config    `yaml:"remote"`
	Ingest    ingest.Config    `yaml:"ingest"`
	Store     Store            `yaml:"store"`
	Cache     cache.Config     `yaml:"cache"`
	Storage   Storage          `yaml:"storage"`
	Snapshot  snapshot.Config  `yaml:"snapshot"`
	Layout    layout.Params    `yaml:"layout"`
	Selection selection.Config `yaml:"selection"`
	LOD       lod.Config       `yaml:"lod"`
	Decor     decor.Config     `yaml:"decor"`
	Media     media.Config     `yaml:"media"`
	Engine    Engine           `yaml:"engine"`
	HTTP      HTTP             `yaml:"http"`
	Log       Log              `yaml:"log"`
}

// Default returns the production defaults. Remote.Endpoint has no default.
func Default() Config {
	return Config{
		Remote:    remote.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		Store:     Store{RenderCap: entity.DefaultRenderCap},
		Cache:     cache.DefaultConfig(),
		Storage:   Storage{Path: "starfield.db", Quota: kv.DefaultQuota},
		Snapshot:  snapshot.DefaultConfig(),
		Layout:    layout.DefaultParams(),
		Selection: selection.DefaultConfig(),
		LOD:       lod.DefaultConfig(),
		Decor:     decor.DefaultConfig(),
		Media:     media.DefaultConfig(),
		Engine: Engine{
			FrameInterval:  16 * time.Millisecond,
			SearchLimit:    20,
			SearchMinChars: 2,
		},
		HTTP: HTTP{Addr: "127.0.0.1:8080", ShutdownTimeout: 10 * time.Second},
		Log:  Log{Environment: "development", Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("STARFIELD_ENDPOINT"); ok {
		c.Remote.Endpoint = v
	}
	if v, ok := lookup("STARFIELD_TOKEN"); ok {
		c.Remote.Token = v
	}
	if v, ok := lookup("STARFIELD_DB"); ok {
		c.Storage.Path = v
	}
	if v, ok := lookup("STARFIELD_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("STARFIELD_ENV"); ok {
		c.Log.Environment = v
	}
	if v, ok := lookup("STARFIELD_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("STARFIELD_QUOTA"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("STARFIELD_QUOTA: %w", err)
		}
		c.Storage.Quota = n
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and the constraints that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	prevMax, prevCap := 0, int(^uint(0)>>1)
	for i, s := range c.LOD.Steps {
		if s.Max <= prevMax {
			errs = append(errs, fmt.Errorf("lod.steps[%d].max %d must be greater than %d", i, s.Max, prevMax))
		}
		if s.Cap > prevCap {
			errs = append(errs, fmt.Errorf("lod.steps[%d].cap %d must not exceed the previous cap %d", i, s.Cap, prevCap))
		}
		prevMax, prevCap = s.Max, s.Cap
	}
	if c.Snapshot.MaxMembers > c.Ingest.SessionMemberCap {
		errs = append(errs, fmt.Errorf("snapshot.max_members %d exceeds ingest.session_member_cap %d",
			c.Snapshot.MaxMembers, c.Ingest.SessionMemberCap))
	}
	if c.Storage.Quota > 0 && c.Storage.Quota < 1024 {
		errs = append(errs, fmt.Errorf("storage.quota %d is too small to hold a cursor", c.Storage.Quota))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orderbroker/pkg/callback"
	"github.com/openfroyo/orderbroker/pkg/deployers/executor"
	"github.com/openfroyo/orderbroker/pkg/notifier"
	"github.com/openfroyo/orderbroker/pkg/saga"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
	"github.com/openfroyo/orderbroker/pkg/templates"
)

// Config is the complete broker configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Templates  TemplatesConfig   `yaml:"templates"`
	Executors  []executor.Config `yaml:"executors" validate:"dive"`
	Saga       saga.Config       `yaml:"saga"`
	Notifier   notifier.Config   `yaml:"notifier"`
	Reconciler ReconcilerConfig  `yaml:"reconciler"`
	Policy     PolicyConfig      `yaml:"policy"`
	Auth       AuthConfig        `yaml:"auth"`
	Telemetry  *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address, for example ":8080".
	Address string `yaml:"address" validate:"required"`

	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`

	// Mode is the gin mode.
	Mode string `yaml:"mode" validate:"omitempty,oneof=debug release test"`
}

// DatabaseConfig configures the SQLite order ledger.
type DatabaseConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	BusyTimeout     time.Duration `yaml:"busyTimeout"`
}

// Template catalog sources.
const (
	TemplateSourceStatic   = "static"
	TemplateSourcePostgres = "postgres"
)

// TemplatesConfig selects and configures the template registry.
type TemplatesConfig struct {
	Source string `yaml:"source" validate:"required,oneof=static postgres"`

	// CatalogFile is a YAML catalog merged into Static.
	CatalogFile string                   `yaml:"catalogFile"`
	Static      []templates.CatalogEntry `yaml:"static" validate:"dive"`

	Postgres templates.GormConfig `yaml:"postgres" validate:"-"`

	// CacheTTL enables the caching wrapper when positive.
	CacheTTL  time.Duration `yaml:"cacheTTL"`
	CacheSize int           `yaml:"cacheSize" validate:"min=0"`
}

// ReconcilerConfig configures the stale order re-fetch loop.
type ReconcilerConfig struct {
	Enabled                   bool `yaml:"enabled"`
	callback.ReconcilerConfig `yaml:",inline"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego/.json files or directories with custom policies.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths on change.
	Watch bool `yaml:"watch"`

	// AllowedCsps limits orders to these providers. Empty allows all.
	AllowedCsps []string `yaml:"allowedCsps"`

	DisabledBuiltins []string `yaml:"disabledBuiltins"`
}

// AuthConfig configures caller and executor authentication.
type AuthConfig struct {
	// JWTSecret signs HS256 bearer tokens. Empty disables authentication,
	// which is only accepted in development.
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`

	// AdminRole is the role claim value granting admin rights.
	AdminRole string `yaml:"adminRole"`

	// CallbackTokenHash is the bcrypt hash of the executor callback token.
	CallbackTokenHash string `yaml:"callbackTokenHash"`
}

// Default returns a runnable development configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			Mode:              "release",
		},
		Database: DatabaseConfig{
			Path:         "broker.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			BusyTimeout:  5 * time.Second,
		},
		Templates: TemplatesConfig{
			Source:    TemplateSourceStatic,
			CacheTTL:  time.Minute,
			CacheSize: 1024,
			Postgres: templates.GormConfig{
				MaxIdleConns:    10,
				MaxOpenConns:    50,
				ConnMaxLifetime: time.Hour,
				LogLevel:        "warn",
				AutoMigrate:     true,
			},
		},
		Saga:     saga.DefaultConfig(),
		Notifier: notifier.DefaultConfig(),
		Reconciler: ReconcilerConfig{
			Enabled: true,
			ReconcilerConfig: callback.ReconcilerConfig{
				Interval:              time.Minute,
				MaxProcessingDuration: 30 * time.Minute,
				BatchSize:             50,
				Concurrency:           4,
			},
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Auth: AuthConfig{
			Issuer:    "orderbroker",
			AdminRole: "admin",
		},
		Telemetry: tel,
	}
}

// ValidationError is one problem found in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		loc += e.Path + ": "
	}
	return loc + e.Message
}

// ValidationErrors collects every problem of a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

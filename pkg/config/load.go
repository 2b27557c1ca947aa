package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orderbroker/pkg/deployers/executor"
)

// DefaultEnvFile is loaded when present and no other env file was named.
const DefaultEnvFile = ".env"

// Options controls Load.
type Options struct {
	// Paths are .cue, .yaml or .yml files applied in order over Default.
	Paths []string

	// EnvFile is a dotenv file loaded into the process environment. It must
	// exist when set.
	EnvFile string

	// LookupEnv reads environment overrides. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration: defaults, then files, then the dotenv file
// and BROKER_ environment overrides. The result is validated.
func Load(opts Options) (*Config, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	for _, path := range opts.Paths {
		if err := loadFile(schema, cfg, path); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	ApplyEnv(cfg, lookup)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays one file onto cfg. Fields the file leaves out keep
// their current value.
func loadFile(schema *Schema, cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc map[string]interface{}
	switch filepath.Ext(path) {
	case ".cue":
		if doc, err = schema.CompileCUE(path, data); err != nil {
			return err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc == nil {
			return nil
		}
		if err := schema.CheckDocument(path, doc); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config file type: %s", path)
	}

	// Round-trip through YAML so durations written as strings decode.
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s: %w", path, err)
	}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies BROKER_ environment overrides.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set("BROKER_SERVER_ADDRESS", &cfg.Server.Address)
	set("BROKER_DATABASE_PATH", &cfg.Database.Path)
	set("BROKER_TEMPLATES_SOURCE", &cfg.Templates.Source)
	set("BROKER_POSTGRES_DSN", &cfg.Templates.Postgres.DSN)
	set("BROKER_JWT_SECRET", &cfg.Auth.JWTSecret)
	set("BROKER_CALLBACK_TOKEN_HASH", &cfg.Auth.CallbackTokenHash)
	set("BROKER_LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	set("BROKER_ENVIRONMENT", &cfg.Telemetry.Environment)
}

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	var errs ValidationErrors

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: describeTag(fe),
			})
		}
	}

	if c.Templates.Source == TemplateSourcePostgres && c.Templates.Postgres.DSN == "" {
		errs = append(errs, ValidationError{Path: "templates.postgres.dsn", Message: "is required for the postgres source"})
	}

	seen := map[string]bool{}
	for i, e := range c.Executors {
		if seen[string(e.Csp)] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("executors[%d].csp", i),
				Message: fmt.Sprintf("%s is served by more than one executor", e.Csp),
			})
		}
		seen[string(e.Csp)] = true
	}

	if c.Auth.CallbackTokenHash != "" {
		if _, err := executor.NewTokenVerifier(c.Auth.CallbackTokenHash); err != nil {
			errs = append(errs, ValidationError{Path: "auth.callbackTokenHash", Message: err.Error()})
		}
	}
	if c.Auth.JWTSecret == "" && c.Telemetry != nil && c.Telemetry.Environment == "production" {
		errs = append(errs, ValidationError{Path: "auth.jwtSecret", Message: "is required in production"})
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed the %q check", fe.Tag())
	}
}

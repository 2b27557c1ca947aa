package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// brokerSchema constrains configuration documents before they are decoded.
// Every field is optional; Default supplies the rest.
const brokerSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Csp: "HUAWEI" | "FLEXIBLE_ENGINE" | "OPENSTACK" | "PLUS_SERVER" | "REGIO_CLOUD" | "AWS" | "AZURE" | "GCP"

#Executor: {
	csp:             #Csp
	identity:        "terraform-boot" | "terra-boot" | "tofu-maker"
	baseURL:         =~"^https?://"
	callbackBaseURL: =~"^https?://"
	timeout?:        #Duration
	token?:          string
}

#CatalogEntry: {
	id?:           string
	name:          string & !=""
	version:       string & !=""
	csp:           #Csp
	category?:     string
	hostingType?:  string
	unavailable?:  bool
	billingModes?: [...string]
	eula?:         string
}

#BrokerConfig: {
	server?: {
		address?:           string
		readHeaderTimeout?: #Duration
		shutdownTimeout?:   #Duration
		mode?:              "debug" | "release" | "test"
	}
	database?: {
		path?:            string & !=""
		maxOpenConns?:    int & >=0
		maxIdleConns?:    int & >=0
		connMaxLifetime?: #Duration
		busyTimeout?:     #Duration
	}
	templates?: {
		source?:      "static" | "postgres"
		catalogFile?: string
		static?: [...#CatalogEntry]
		postgres?: {
			dsn?:             string
			maxIdleConns?:    int & >=0
			maxOpenConns?:    int & >=0
			connMaxLifetime?: #Duration
			logLevel?:        "silent" | "error" | "warn" | "info"
			autoMigrate?:     bool
		}
		cacheTTL?:  #Duration
		cacheSize?: int & >=0
	}
	executors?: [...#Executor]
	saga?: {
		maxRetries?:   int & >=1
		pollInterval?: #Duration
		batchSize?:    int & >=0
	}
	notifier?: {
		pollInterval?:       #Duration
		maxTimeout?:         #Duration
		maxConcurrentWaits?: int & >=0
	}
	reconciler?: {
		enabled?:               bool
		interval?:              #Duration
		maxProcessingDuration?: #Duration
		batchSize?:             int & >=0
		concurrency?:           int & >=0
	}
	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
		allowedCsps?: [...#Csp]
		disabledBuiltins?: [...string]
	}
	auth?: {
		jwtSecret?:         string
		issuer?:            string
		adminRole?:         string
		callbackTokenHash?: string
	}
	telemetry?: {
		serviceName?:    string
		serviceVersion?: string
		environment?:    string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			...
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			samplingRate?:  number & >=0 & <=1
			exportTimeout?: #Duration
			...
		}
		...
	}
}
`

// Schema validates configuration documents against #BrokerConfig.
type Schema struct {
	ctx    *cue.Context
	config cue.Value
}

// NewSchema compiles the built-in schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(brokerSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#BrokerConfig"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema has no #BrokerConfig: %w", err)
	}
	return &Schema{ctx: ctx, config: def}, nil
}

// CompileCUE compiles CUE source and checks it against the schema. It
// returns the concrete document.
func (s *Schema) CompileCUE(filename string, src []byte) (map[string]interface{}, error) {
	val := s.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(filename, err)
	}
	return s.check(filename, val)
}

// CheckDocument checks an already decoded document, such as parsed YAML.
func (s *Schema) CheckDocument(filename string, doc map[string]interface{}) error {
	val := s.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	_, err := s.check(filename, val)
	return err
}

func (s *Schema) check(filename string, val cue.Value) (map[string]interface{}, error) {
	unified := s.config.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(filename, err)
	}

	var doc map[string]interface{}
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return doc, nil
}

// convertCUEErrors flattens CUE errors into ValidationErrors with positions.
func convertCUEErrors(filename string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{File: filename, Message: fmt.Sprintf(format, args...)}
		if pos := errors.Positions(e); len(pos) > 0 {
			if f := pos[0].Filename(); f != "" && f != "schema.cue" {
				ve.File = f
				ve.Line = pos[0].Line()
				ve.Column = pos[0].Column()
			}
		}
		ve.Path = strings.Join(e.Path(), ".")
		out = append(out, ve)
	}
	return out
}

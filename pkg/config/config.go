// Package config provides the unified configuration for forcepull.
// One Config describes one extraction: how to log in, which object or query
// to pull, how to load the result, and where output and state live.
//
// Example usage:
//
//	cfg := config.NewConfig()
//	if err := config.Load("extraction.yaml", cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// LoginMethod selects one of the three supported Salesforce login flows.
// It is the discriminant of the credential union: each method has its own
// set of required fields, validated eagerly at startup.
type LoginMethod string

const (
	// LoginSecurityToken logs in with username + password + security token
	LoginSecurityToken LoginMethod = "security_token"
	// LoginConnectedApp logs in with username + password + connected-app
	// consumer key/secret (OAuth password grant)
	LoginConnectedApp LoginMethod = "connected_app"
	// LoginClientCredentials logs in with consumer key/secret against a
	// My Domain instance (OAuth client-credentials grant)
	LoginClientCredentials LoginMethod = "client_credentials"
)

// QueryType selects how the query text is produced.
type QueryType string

const (
	// QueryTypeObject builds SELECT <fields> FROM <object> from metadata
	QueryTypeObject QueryType = "object"
	// QueryTypeSOQL uses a hand-written SOQL string verbatim
	QueryTypeSOQL QueryType = "soql"
)

// LoadMode selects how the destination reconciles fetched rows.
type LoadMode string

const (
	// LoadModeFull overwrites the destination table each run
	LoadModeFull LoadMode = "full"
	// LoadModeIncremental merges fetched rows by primary key
	LoadModeIncremental LoadMode = "incremental"
)

// SupportedAPIVersions is the bounded set of REST API versions the
// extractor has been run against.
var SupportedAPIVersions = []string{
	"52.0", "53.0", "54.0", "55.0", "56.0", "57.0",
	"58.0", "59.0", "60.0", "61.0", "62.0",
}

// DefaultAPIVersion matches the earliest version in the supported set
const DefaultAPIVersion = "52.0"

// Config is the single configuration structure for one extraction run.
type Config struct {
	// Name identifies the configuration; it keys state storage
	Name string `yaml:"name" json:"name"`

	// Auth holds the credential union
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// API selects the remote API version and environment
	API APIConfig `yaml:"api" json:"api"`

	// Query describes what to extract
	Query QueryConfig `yaml:"query" json:"query"`

	// Loading describes how the destination reconciles the result
	Loading LoadingConfig `yaml:"loading" json:"loading"`

	// Output controls file output and state storage
	Output OutputConfig `yaml:"output" json:"output"`

	// Reliability settings for retries and rate limiting
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Timeouts define network timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Observability settings for logging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// AuthConfig is the three-way credential union. Method decides which of the
// remaining fields are required; Validate enforces it.
type AuthConfig struct {
	Method        LoginMethod `yaml:"method" json:"method"`
	Username      string      `yaml:"username" json:"username"`
	Password      string      `yaml:"password" json:"password"`
	SecurityToken string      `yaml:"security_token" json:"security_token"`
	// ConsumerKey and ConsumerSecret identify the connected app
	ConsumerKey    string `yaml:"consumer_key" json:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret" json:"consumer_secret"`
	// Domain is the My Domain subdomain, required for client_credentials
	Domain string `yaml:"domain" json:"domain"`
}

// APIConfig selects the remote API version and environment.
type APIConfig struct {
	// Version is the REST API version, e.g. "52.0"
	Version string `yaml:"version" json:"version"`
	// Sandbox switches login to the test environment
	Sandbox bool `yaml:"sandbox" json:"sandbox"`
}

// QueryConfig describes the query. Exactly one of Object or SOQL is set,
// according to Type.
type QueryConfig struct {
	Type QueryType `yaml:"type" json:"type"`
	// Object is the Salesforce object name (Type == object)
	Object string `yaml:"object" json:"object"`
	// Fields optionally restricts the selected fields; empty means all
	// queryable fields in describe order
	Fields []string `yaml:"fields" json:"fields"`
	// SOQL is the literal query text (Type == soql)
	SOQL string `yaml:"soql" json:"soql"`
	// IncludeDeleted issues the query against the queryAll endpoint so
	// soft-deleted records are returned
	IncludeDeleted bool `yaml:"include_deleted" json:"include_deleted"`
}

// LoadingConfig governs destination reconciliation and incremental fetching.
type LoadingConfig struct {
	Mode LoadMode `yaml:"mode" json:"mode"`
	// IncrementalField is the watermark field, e.g. LastModifiedDate
	IncrementalField string `yaml:"incremental_field" json:"incremental_field"`
	// IncrementalFetch injects the watermark predicate into the query;
	// when false an incremental load still merges by key but fetches all rows
	IncrementalFetch bool `yaml:"incremental_fetch" json:"incremental_fetch"`
	// PrimaryKey is the merge key column set; defaults to ["Id"]
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`
	// TableName overrides the output table name; defaults to the object name
	TableName string `yaml:"table_name" json:"table_name"`
}

// OutputConfig controls where files and state are written.
type OutputConfig struct {
	// Dir is the output directory for CSV and manifest files
	Dir string `yaml:"dir" json:"dir"`
	// StateBackend selects the state store: "file" or "sqlite"
	StateBackend string `yaml:"state_backend" json:"state_backend"`
	// StatePath is the state file or sqlite database path
	StatePath string `yaml:"state_path" json:"state_path"`
}

// ReliabilityConfig contains retry and rate-limit settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts per page fetch
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RateLimitPerSec limits API requests per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// TimeoutConfig contains network timeout settings.
type TimeoutConfig struct {
	// Request timeout for individual API calls
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
}

// ObservabilityConfig contains logging settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Development switches to console encoding with colored levels
	Development bool `yaml:"development" json:"development"`
}

// NewConfig creates a Config with production defaults. Loaded YAML
// overrides them field by field.
func NewConfig() *Config {
	return &Config{
		API: APIConfig{
			Version: DefaultAPIVersion,
		},
		Query: QueryConfig{
			Type: QueryTypeObject,
		},
		Loading: LoadingConfig{
			Mode:       LoadModeFull,
			PrimaryKey: []string{"Id"},
		},
		Output: OutputConfig{
			Dir:          "out",
			StateBackend: "file",
			StatePath:    "state.json",
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   time.Minute,
			RateLimitPerSec: 0,
		},
		Timeouts: TimeoutConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
		},
	}
}

// Validate validates the configuration for correctness, failing fast with a
// readable message before any network call is made.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}

	if err := c.Auth.Validate(); err != nil {
		return err
	}

	if !isSupportedAPIVersion(c.API.Version) {
		return fmt.Errorf("api.version %q is not supported (supported: %v)", c.API.Version, SupportedAPIVersions)
	}

	switch c.Query.Type {
	case QueryTypeObject:
		if c.Query.Object == "" {
			return fmt.Errorf("query.object is required when query.type is %q", QueryTypeObject)
		}
		if c.Query.SOQL != "" {
			return fmt.Errorf("query.soql must be empty when query.type is %q", QueryTypeObject)
		}
	case QueryTypeSOQL:
		if c.Query.SOQL == "" {
			return fmt.Errorf("query.soql is required when query.type is %q", QueryTypeSOQL)
		}
		if c.Query.Object != "" || len(c.Query.Fields) > 0 {
			return fmt.Errorf("query.object and query.fields must be empty when query.type is %q", QueryTypeSOQL)
		}
	default:
		return fmt.Errorf("query.type must be %q or %q", QueryTypeObject, QueryTypeSOQL)
	}

	switch c.Loading.Mode {
	case LoadModeFull:
	case LoadModeIncremental:
		if len(c.Loading.PrimaryKey) == 0 {
			return fmt.Errorf("loading.primary_key is required for incremental load")
		}
		if c.Loading.IncrementalFetch && c.Loading.IncrementalField == "" {
			return fmt.Errorf("loading.incremental_field is required when incremental_fetch is enabled")
		}
	default:
		return fmt.Errorf("loading.mode must be %q or %q", LoadModeFull, LoadModeIncremental)
	}

	switch c.Output.StateBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("output.state_backend must be \"file\" or \"sqlite\"")
	}

	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("reliability.rate_limit_per_sec cannot be negative")
	}

	return nil
}

// Validate checks that exactly the fields required by the selected login
// method are populated.
func (a *AuthConfig) Validate() error {
	switch a.Method {
	case LoginSecurityToken:
		if a.Username == "" || a.Password == "" || a.SecurityToken == "" {
			return fmt.Errorf("auth method %q requires username, password and security_token", a.Method)
		}
	case LoginConnectedApp:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("auth method %q requires username and password", a.Method)
		}
		if a.ConsumerKey == "" || a.ConsumerSecret == "" {
			return fmt.Errorf("auth method %q requires consumer_key and consumer_secret", a.Method)
		}
	case LoginClientCredentials:
		if a.ConsumerKey == "" || a.ConsumerSecret == "" {
			return fmt.Errorf("auth method %q requires consumer_key and consumer_secret", a.Method)
		}
		if a.Domain == "" {
			return fmt.Errorf("auth method %q requires domain", a.Method)
		}
	default:
		return fmt.Errorf("auth.method must be one of %q, %q, %q",
			LoginSecurityToken, LoginConnectedApp, LoginClientCredentials)
	}
	return nil
}

// TableName returns the destination table name: the configured override, or
// the given fallback (normally the object name).
func (l *LoadingConfig) Table(fallback string) string {
	if l.TableName != "" {
		return l.TableName
	}
	return fallback
}

// IsIncremental returns true when the destination merges by primary key.
func (l *LoadingConfig) IsIncremental() bool {
	return l.Mode == LoadModeIncremental
}

func isSupportedAPIVersion(v string) bool {
	for _, s := range SupportedAPIVersions {
		if s == v {
			return true
		}
	}
	return false
}

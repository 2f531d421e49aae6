package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the TransactionalStore backend: memory, postgres or mongo.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type DatabaseConfig struct {
	URL         string        `mapstructure:"url"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	// EventsPrefix is the subject prefix of post-approval domain events.
	EventsPrefix string `mapstructure:"events_prefix"`
	// ApprovedEventTypes lists the request types that publish an event once
	// fully approved.
	ApprovedEventTypes []string `mapstructure:"approved_event_types"`
}

type WorkflowConfig struct {
	MaxCommitAttempts int           `mapstructure:"max_commit_attempts"`
	AuditMandatory    bool          `mapstructure:"audit_mandatory"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	DirectoryFile     string        `mapstructure:"directory_file"`
	RulesSource       string        `mapstructure:"rules_source"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize    int           `mapstructure:"sweep_batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-procurement-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", "memory")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("mongo.database", "procurement")
	v.SetDefault("mongo.collection", "approval_requests")

	v.SetDefault("nats.subject_prefix", "notifications.procurement")
	v.SetDefault("nats.events_prefix", "procurement.approvals")
	v.SetDefault("nats.approved_event_types", []string{
		"procurement-plan", "rfq-creation", "vendor-selection", "award-decision", "contract-execution",
	})

	v.SetDefault("workflow.max_commit_attempts", 3)
	v.SetDefault("workflow.audit_mandatory", false)
	v.SetDefault("workflow.notify_timeout", 5*time.Second)
	v.SetDefault("workflow.rules_source", "file")
	v.SetDefault("workflow.sweep_interval", 5*time.Minute)
	v.SetDefault("workflow.sweep_batch_size", 100)
}

// Load reads configuration from defaults, an optional file and APPROVALS_*
// environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APPROVALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// AutomaticEnv only resolves keys viper already knows about; bind the ones
	// without defaults explicitly.
	for _, key := range []string{"database.url", "mongo.uri", "nats.url", "workflow.directory_file"} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when store.backend is postgres")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri is required when store.backend is mongo")
		}
	default:
		return fmt.Errorf("store.backend must be one of: memory, postgres, mongo; got %q", c.Store.Backend)
	}

	switch c.Workflow.RulesSource {
	case "file":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when workflow.rules_source is postgres")
		}
	default:
		return fmt.Errorf("workflow.rules_source must be one of: file, postgres; got %q", c.Workflow.RulesSource)
	}

	if c.Workflow.MaxCommitAttempts < 1 {
		return fmt.Errorf("workflow.max_commit_attempts must be >= 1, got %d", c.Workflow.MaxCommitAttempts)
	}
	if c.Workflow.SweepBatchSize < 1 {
		return fmt.Errorf("workflow.sweep_batch_size must be >= 1, got %d", c.Workflow.SweepBatchSize)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server.port and server.grpc_port must be positive")
	}
	return nil
}

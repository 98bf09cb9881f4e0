// Package config loads approvald settings from a YAML file and APPROVALS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/songzhibin97/approval-engine/types"
)

// EnvPrefix prefixes environment overrides, e.g. APPROVALS_REDIS_ADDR.
const EnvPrefix = "APPROVALS"

// Config holds the configuration for approvald.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		ViewTTL  time.Duration `mapstructure:"view_ttl"`
	} `mapstructure:"redis"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
	Scheduler struct {
		FirstRunDelay time.Duration `mapstructure:"first_run_delay"`
		Interval      time.Duration `mapstructure:"interval"`
		Retention     time.Duration `mapstructure:"retention"`
	} `mapstructure:"scheduler"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	// CancelRoles may cancel requests raised by someone else.
	CancelRoles []string `mapstructure:"cancel_roles"`
	// Roles maps a role name to its members. Viper lowercases map keys.
	Roles     map[string][]string `mapstructure:"roles"`
	Workflows []WorkflowConfig    `mapstructure:"workflows"`
}

// WorkflowConfig declares a workflow definition in the config file.
type WorkflowConfig struct {
	ID                uint64       `mapstructure:"id"`
	Name              string       `mapstructure:"name"`
	ObjectType        string       `mapstructure:"object_type"`
	AmountMin         int64        `mapstructure:"amount_min"`
	AmountMax         int64        `mapstructure:"amount_max"`
	AutoApproveBelow  *int64       `mapstructure:"auto_approve_below"`
	ExpirationHours   int          `mapstructure:"expiration_hours"`
	EscalationEnabled bool         `mapstructure:"escalation_enabled"`
	Active            *bool        `mapstructure:"active"`
	Priority          int          `mapstructure:"priority"`
	Condition         string       `mapstructure:"condition"`
	Steps             []StepConfig `mapstructure:"steps"`
}

// StepConfig declares one workflow step.
type StepConfig struct {
	Order               int      `mapstructure:"order"`
	Approvers           []string `mapstructure:"approvers"`
	Roles               []string `mapstructure:"roles"`
	Parallel            bool     `mapstructure:"parallel"`
	QuorumCount         int      `mapstructure:"quorum_count"`
	MaxDelayHours       int      `mapstructure:"max_delay_hours"`
	EscalateTo          []string `mapstructure:"escalate_to"`
	EscalateToRoles     []string `mapstructure:"escalate_to_roles"`
	AllowFreeDelegation bool     `mapstructure:"allow_free_delegation"`
}

// Load reads path, or approvals.yaml from . and ./config when path is empty.
// A missing default file is not an error; defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("approvals")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.CancelRoles = lowerAll(cfg.CancelRoles)
	if cfg.Scheduler.Interval <= 0 {
		return nil, fmt.Errorf("scheduler.interval must be positive, got %s", cfg.Scheduler.Interval)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.view_ttl", 5*time.Minute)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "notifications.approvals")
	v.SetDefault("scheduler.first_run_delay", 10*time.Second)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.retention", 0)
	v.SetDefault("metrics.addr", ":9090")
}

// Definitions converts the declared workflows. Workflows are active unless
// they say otherwise.
func (c *Config) Definitions() []types.WorkflowDefinition {
	out := make([]types.WorkflowDefinition, 0, len(c.Workflows))
	for _, w := range c.Workflows {
		out = append(out, w.Definition())
	}
	return out
}

// Definition converts a declared workflow.
func (w WorkflowConfig) Definition() types.WorkflowDefinition {
	def := types.WorkflowDefinition{
		ID:                w.ID,
		Name:              w.Name,
		ObjectType:        strings.ToUpper(w.ObjectType),
		AmountMin:         w.AmountMin,
		AmountMax:         w.AmountMax,
		AutoApproveBelow:  w.AutoApproveBelow,
		ExpirationHours:   w.ExpirationHours,
		EscalationEnabled: w.EscalationEnabled,
		Active:            w.Active == nil || *w.Active,
		Priority:          w.Priority,
		Condition:         w.Condition,
	}
	for i, s := range w.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		def.Steps = append(def.Steps, types.StepDefinition{
			Order:               order,
			Approvers:           s.Approvers,
			Roles:               lowerAll(s.Roles),
			Parallel:            s.Parallel,
			QuorumCount:         s.QuorumCount,
			MaxDelayHours:       s.MaxDelayHours,
			EscalateTo:          s.EscalateTo,
			EscalateToRoles:     lowerAll(s.EscalateToRoles),
			AllowFreeDelegation: s.AllowFreeDelegation,
		})
	}
	return def
}

// lowerAll matches role references to the keys of Roles, which viper lowercases.
func lowerAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Logger builds the process logger. Output goes to stderr when w is nil.
func (c *Config) Logger(w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	if c.Log.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "approvald").Logger(), nil
}

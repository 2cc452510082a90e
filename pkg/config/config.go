package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/mqfleet/mqfleet/pkg/broker"
	"github.com/mqfleet/mqfleet/pkg/cloud/openstack"
	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/flows"
	"github.com/mqfleet/mqfleet/pkg/monitor"
	"github.com/mqfleet/mqfleet/pkg/policy"
	"github.com/mqfleet/mqfleet/pkg/stores"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

// Config is the complete mqfleet configuration.
type Config struct {
	Telemetry   telemetry.Config    `yaml:"telemetry" json:"telemetry"`
	Store       StoreConfig         `yaml:"store" json:"store"`
	Conductor   conductor.Config    `yaml:"conductor" json:"conductor"`
	Retry       flows.RetrySettings `yaml:"retry" json:"retry"`
	Monitor     monitor.Config      `yaml:"monitor" json:"monitor"`
	Policy      PolicyConfig        `yaml:"policy" json:"policy"`
	Cloud       CloudConfig         `yaml:"cloud" json:"cloud"`
	Broker      broker.Config       `yaml:"broker" json:"broker"`
	Credentials CredentialsConfig   `yaml:"credentials" json:"credentials"`
	Redis       RedisConfig         `yaml:"redis" json:"redis"`
}

// StoreConfig selects where jobs, flow details and the cluster inventory
// live. The inventory is always kept in SQLite; the job board and logbook
// can move to a bbolt file.
type StoreConfig struct {
	Path            string        `yaml:"path" json:"path" default:"mqfleet.db" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" default:"4" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" default:"2" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" default:"1h"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval" default:"500ms"`

	// JobBoard is sqlite or bolt.
	JobBoard string `yaml:"job_board" json:"job_board" default:"sqlite" validate:"oneof=sqlite bolt"`
	BoltPath string `yaml:"bolt_path" json:"bolt_path" default:"mqfleet-jobs.bolt" validate:"required_if=JobBoard bolt"`
}

// SQLite returns the settings for stores.NewSQLiteStore.
func (s StoreConfig) SQLite() stores.Config {
	return stores.Config{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		PollInterval:    s.PollInterval,
	}
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled" default:"true"`
	Paths   []string      `yaml:"paths" json:"paths"`
	Watch   bool          `yaml:"watch" json:"watch"`
	Limits  policy.Limits `yaml:"limits" json:"limits"`
}

// CloudConfig selects the cloud provider.
type CloudConfig struct {
	// Provider is openstack or fake. The in-memory fake is the default so
	// a bare configuration runs locally.
	Provider string `yaml:"provider" json:"provider" default:"fake" validate:"oneof=openstack fake"`

	// Validated only when Provider is openstack.
	OpenStack openstack.Config `yaml:"openstack" json:"openstack" validate:"-"`

	// RateLimit caps cloud calls per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" default:"10" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" default:"5" validate:"gte=0"`
}

// CredentialsConfig holds the broker account created on every node and
// the cloud-init user data passed to new VMs.
type CredentialsConfig struct {
	Username string `yaml:"username" json:"username" default:"mqfleet"`
	Password string `yaml:"password" json:"password"`
	UserData string `yaml:"user_data" json:"user_data"`
}

// Credentials converts to the store representation used by flows.
func (c CredentialsConfig) Credentials() flows.Credentials {
	return flows.Credentials{Username: c.Username, Password: c.Password}
}

// RedisConfig points at the Redis used for the monitor lock. An empty
// Addr falls back to the SQLite lock table.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix" json:"prefix" default:"mqfleet:lock:"`
}

var validate = validator.New()

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Only malformed default tags fail here.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Cloud.Provider == "openstack" {
		if err := validate.Struct(c.Cloud.OpenStack); err != nil {
			return fmt.Errorf("invalid openstack configuration: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	l := c.Policy.Limits
	if l.MaxClusterSize > 0 && l.MinClusterSize > l.MaxClusterSize {
		return errors.New("invalid configuration: policy.limits.min_cluster_size exceeds max_cluster_size")
	}
	if c.Monitor.LockTTL <= 0 {
		return errors.New("invalid configuration: monitor.lock_ttl must be positive")
	}
	if c.Conductor.Workers < 1 {
		return errors.New("invalid configuration: conductor.workers must be at least 1")
	}
	return nil
}

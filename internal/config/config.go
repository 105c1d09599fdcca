// Package config loads the monitor and agent settings from the
// environment (optionally seeded from a .env file) and the credential
// profile from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	// RetentionWindow is how long a telemetry record survives without a
	// successful probe.
	RetentionWindow = time.Hour
	// QueueCapacity bounds pending membership events.
	QueueCapacity = 1024
	// DefaultAgentPort is the node agent's HTTP port.
	DefaultAgentPort = 8877
	// DefaultGrant is used when a credential profile names none.
	DefaultGrant = "client_credentials"
)

type Config struct {
	EtcdEndpoints []string      `env:"FLEET_ETCD_ENDPOINTS" envSeparator:"," envDefault:"localhost:2379"`
	EtcdUsername  string        `env:"FLEET_ETCD_USERNAME"`
	EtcdPassword  string        `env:"FLEET_ETCD_PASSWORD"`
	DialTimeout   time.Duration `env:"FLEET_ETCD_DIAL_TIMEOUT" envDefault:"5s"`

	// SubscriptionPath holds one child per node, named by the node uuid.
	SubscriptionPath string `env:"FLEET_PATH" envDefault:"/fleet/nodes"`
	// StatePath holds committed application state per node uuid.
	StatePath string `env:"FLEET_STATE_PATH" envDefault:"/fleet/state"`

	GatherIntervalSeconds int           `env:"FLEET_GATHER_INTERVAL" envDefault:"10"`
	MaxConcurrentProbes   int           `env:"FLEET_MAX_CONCURRENT_PROBES" envDefault:"64"`
	AgentScheme           string        `env:"FLEET_AGENT_SCHEME" envDefault:"http"`
	AgentPort             int           `env:"FLEET_AGENT_PORT" envDefault:"8877"`
	ProbeTimeout          time.Duration `env:"FLEET_PROBE_TIMEOUT" envDefault:"5s"`
	MetricsTimeout        time.Duration `env:"FLEET_METRICS_TIMEOUT" envDefault:"3s"`
	DescriptorTimeout     time.Duration `env:"FLEET_DESCRIPTOR_TIMEOUT" envDefault:"5s"`
	Backoff               time.Duration `env:"FLEET_BACKOFF" envDefault:"5s"`

	// TicketExpiry of zero refreshes the ticket on every call.
	TicketExpiry    time.Duration `env:"FLEET_TICKET_EXPIRY" envDefault:"600s"`
	TicketURL       string        `env:"FLEET_TICKET_URL" envDefault:"http://localhost:8090/ticket"`
	TicketTimeout   time.Duration `env:"FLEET_TICKET_TIMEOUT" envDefault:"5s"`
	CredentialsFile string        `env:"FLEET_CREDENTIALS_FILE"`

	ListenAddr string `env:"FLEET_LISTEN" envDefault:"[::1]:3000"`
	StaticDir  string `env:"FLEET_STATIC_DIR"`

	RedisAddr      string        `env:"FLEET_REDIS_ADDR"`
	RedisUsername  string        `env:"FLEET_REDIS_USERNAME"`
	RedisPassword  string        `env:"FLEET_REDIS_PASSWORD"`
	ExportSchedule string        `env:"FLEET_EXPORT_SCHEDULE" envDefault:"@every 10s"`
	ExportTTL      time.Duration `env:"FLEET_EXPORT_TTL" envDefault:"5m"`
	ExportPrefix   string        `env:"FLEET_EXPORT_PREFIX" envDefault:"fleetwatch"`

	// Node agent settings.
	AgentUUID     string `env:"FLEET_AGENT_UUID"`
	AgentHostname string `env:"FLEET_AGENT_HOSTNAME"`
	AgentListen   string `env:"FLEET_AGENT_LISTEN" envDefault:"[::]:8877"`
	AgentLeaseTTL int64  `env:"FLEET_AGENT_LEASE_TTL" envDefault:"10"`
	AgentCPU      int64  `env:"FLEET_AGENT_CPU"`
	AgentMem      int64  `env:"FLEET_AGENT_MEM"`
	// AgentEndpoints is a comma separated list of host:port pairs the
	// agent advertises in its descriptor.
	AgentEndpoints []string `env:"FLEET_AGENT_ENDPOINTS" envSeparator:","`

	// Secure is the credential profile; nil selects open mode.
	Secure *Secure
}

// Secure is a credential profile.
type Secure struct {
	Scheme       string `yaml:"scheme"`
	ClientID     int64  `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Grant        string `yaml:"grant"`
}

type credentialsFile struct {
	Secure *Secure `yaml:"secure"`
}

// Load reads .env (if present), then the environment, then the
// credential file named by FLEET_CREDENTIALS_FILE.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.CredentialsFile != "" {
		secure, err := LoadSecure(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		cfg.Secure = secure
	}
	return cfg, nil
}

// LoadSecure reads the `secure` section of a YAML credentials file. A
// missing file or section yields nil (open mode). A section missing the
// scheme, client id, or secret is an error.
func LoadSecure(path string) (*Secure, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
	}
	if file.Secure == nil {
		return nil, nil
	}

	s := file.Secure
	var errs error
	if s.Scheme == "" {
		errs = multierr.Append(errs, errors.New("secure.scheme is required"))
	}
	if s.ClientID == 0 {
		errs = multierr.Append(errs, errors.New("secure.client_id is required"))
	}
	if s.ClientSecret == "" {
		errs = multierr.Append(errs, errors.New("secure.client_secret is required"))
	}
	if errs != nil {
		return nil, fmt.Errorf("credentials file %s: %w", path, errs)
	}
	if s.Grant == "" {
		s.Grant = DefaultGrant
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	if c.GatherIntervalSeconds <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("gather interval must be > 0, got %d", c.GatherIntervalSeconds))
	}
	if c.SubscriptionPath == "" {
		errs = multierr.Append(errs, errors.New("subscription path is empty"))
	}
	if len(c.EtcdEndpoints) == 0 {
		errs = multierr.Append(errs, errors.New("no etcd endpoints"))
	}
	if c.MaxConcurrentProbes <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("max concurrent probes must be > 0, got %d", c.MaxConcurrentProbes))
	}
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("agent port out of range: %d", c.AgentPort))
	}
	if c.TicketExpiry < 0 {
		errs = multierr.Append(errs, fmt.Errorf("ticket expiry must not be negative, got %s", c.TicketExpiry))
	}
	if c.Backoff <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("backoff must be > 0, got %s", c.Backoff))
	}
	return errs
}

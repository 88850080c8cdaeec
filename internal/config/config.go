package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/expressrelay/auction-server/internal/domain"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig          `yaml:"database"`
	Server         ServerConfig            `yaml:"server"`
	Telemetry      TelemetryConfig         `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig    `yaml:"leader_election"`
	Chains         map[string]ChainConfig  `yaml:"chains"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds health-endpoint server settings. HTTP/WebSocket
// transport for the bidding API itself is out of scope here; this
// server exists only for liveness/readiness.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings. When
// enabled, only the elected replica runs the submission/tracker supervisor
// for each chain, complementing the
// per-AuctionKey in-process lock.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// ChainConfig describes one chain the auction server submits to. RelayerKey
// is a hex-encoded (EVM) or base58-encoded (SVM) private key; production
// deployments should source it from a secret store rather than the config
// file, but the field lives here the way the original implementation reads
// it from the environment at startup.
type ChainConfig struct {
	ChainType            domain.ChainType `yaml:"chain_type"`
	RPCEndpoint          string           `yaml:"rpc_endpoint"`
	ExpressRelayContract string           `yaml:"express_relay_contract"`
	RelayerKey           string           `yaml:"relayer_key"`
	PollInterval         time.Duration    `yaml:"poll_interval"`
	SubmissionInterval   time.Duration    `yaml:"submission_interval"`
	LegacyTx             bool             `yaml:"legacy_tx"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auction-server",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auction-server-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\"", c.Database.Driver)
	}

	for id, chain := range c.Chains {
		switch chain.ChainType {
		case domain.ChainTypeEvm, domain.ChainTypeSvm:
			// valid
		default:
			return fmt.Errorf("chain %q: unsupported chain_type %q", id, chain.ChainType)
		}
		if chain.RPCEndpoint == "" {
			return fmt.Errorf("chain %q: rpc_endpoint is required", id)
		}
	}
	return nil
}

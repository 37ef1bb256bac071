package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/anvil-dev/anvil/internal/netutil"
	"github.com/anvil-dev/anvil/internal/relay"
)

// Config contains all of the configuration options available to the anvil
// server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	// Blank listens on all interfaces.
	Hostname string `mapstructure:"hostname"`
	// Port on which the relay will listen. 0 asks the OS for an ephemeral port.
	Port int `mapstructure:"port"`
	// Address family restriction: v4, v6, or blank for dual-stack.
	AddressFamily string `mapstructure:"address_family"`
	// Upper bound in bytes for a single inbound read.
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// Protocol revision handlers are constructed for. 3 and 4 are supported.
	ProtocolVersion int `mapstructure:"protocol_version"`
	// Keep-alive delay in seconds handed to protocol handlers.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	// Maximum number of concurrent connections the server will allow. 0 is
	// unlimited.
	MaxConnections int `mapstructure:"max_connections"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Web struct {
		// Whether to start the HTTP status and control API.
		Enabled bool `mapstructure:"enabled"`
		// HTTP endpoint port for the status and control API.
		HTTPPort int `mapstructure:"http_port"`
	} `mapstructure:"web"`

	Database struct {
		// Whether closed sessions are recorded to a database.
		Enabled bool `mapstructure:"enabled"`
		// Database engine for session records: sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Path of the sqlite database file.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for anvil.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Capture struct {
		// Whether raw session traffic is captured to disk.
		Enabled bool `mapstructure:"enabled"`
		// Directory into which capture files are written.
		Directory string `mapstructure:"directory"`
	} `mapstructure:"capture"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Dump the effective configuration to stdout on startup.
		DumpConfig bool `mapstructure:"dump_config"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "ANVIL"

// LoadConfig initializes Viper with the contents of the config file under
// configPath and resolves the effective configuration.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file in path %s: %w", configPath, err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: ANVIL_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_frame_size", relay.DefaultMaxFrameSize)
	v.SetDefault("protocol_version", 4)
	v.SetDefault("heartbeat_seconds", 30)
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("web.http_port", 8080)
	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.filename", "anvil.db")
	v.SetDefault("capture.directory", "captures")
	v.SetDefault("debugging.pprof_port", 4000)
}

// RelayConfig maps the file-level options onto the relay's runtime
// configuration, validating the options with a restricted domain.
func (c *Config) RelayConfig() (relay.Config, error) {
	family, err := netutil.ParseFamily(c.AddressFamily)
	if err != nil {
		return relay.Config{}, fmt.Errorf("error parsing address_family: %w", err)
	}

	return relay.Config{
		Hostname:       c.Hostname,
		Port:           c.Port,
		Family:         family,
		MaxFrameSize:   c.MaxFrameSize,
		Version:        relay.ProtocolVersion(c.ProtocolVersion),
		Heartbeat:      time.Duration(c.HeartbeatSeconds) * time.Second,
		MaxConnections: c.MaxConnections,
	}, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a Postgres connection string generated from the
// provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

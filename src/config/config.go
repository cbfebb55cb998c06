package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/node"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the agent's
	// private key.
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger databases, one sub-folder per cell.
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the log file written next to the
	// console output.
	DefaultLogFile = "holon.log"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultBindAddr         = "127.0.0.1:9000"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultMaxPool          = 2
	DefaultStore            = false
	DefaultQuantumPower     = 12
	DefaultTargetRedundancy = 50
	DefaultGossipInterval   = 500 * time.Millisecond
)

// Config contains all the configuration properties of a Holon conductor.
type Config struct {
	// DataDir is the top-level directory containing Holon configuration and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where the first cell listens for
	// network requests. Further cells bind to ephemeral ports on the same
	// host. In some cases, there may be a routable address that cannot be
	// bound; use AdvertiseAddr to advertise a different address.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address advertised to other agents
	// in signed agent-info records.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service. If not
	// specified, and "no-service" is not set, the API handlers are registered
	// with the DefaultServerMux of the http package.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the
	// network routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of network RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// GossipInterval is the pace at which each cell initiates gossip rounds.
	GossipInterval time.Duration `mapstructure:"gossip-interval"`

	// QuantumPower fixes the arc quantization of every cell: arcs snap to
	// multiples of 2^QuantumPower locations.
	QuantumPower uint8 `mapstructure:"quantum-power"`

	// TargetRedundancy is how many authorities each op should reach.
	TargetRedundancy int `mapstructure:"redundancy"`

	// Store activates persistent Badger storage for chains and ops.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this conductor.
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the agent.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		BindAddr:         DefaultBindAddr,
		ServiceAddr:      DefaultServiceAddr,
		TCPTimeout:       DefaultTCPTimeout,
		MaxPool:          DefaultMaxPool,
		GossipInterval:   DefaultGossipInterval,
		QuantumPower:     DefaultQuantumPower,
		TargetRedundancy: DefaultTargetRedundancy,
		Store:            DefaultStore,
		DatabaseDir:      DefaultDatabaseDir(),
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level Holon directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// NodeConfig derives the per-cell runtime bounds from the top-level options.
func (c *Config) NodeConfig() node.Config {
	conf := node.DefaultConfig()
	if c.QuantumPower > 0 {
		conf.Topology.QuantumPower = c.QuantumPower
	}
	if c.TargetRedundancy > 0 {
		conf.TargetRedundancy = c.TargetRedundancy
	}
	if c.GossipInterval > 0 {
		conf.Gossip.Interval = c.GossipInterval
	}
	return conf
}

// Logger returns a formatted logrus Entry, with prefix set to "holon". When a
// data directory is set, the output is duplicated to a log file there.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.DataDir != "" {
			path := filepath.Join(c.DataDir, DefaultLogFile)
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.InfoLevel:  path,
					logrus.WarnLevel:  path,
					logrus.ErrorLevel: path,
					logrus.FatalLevel: path,
					logrus.PanicLevel: path,
				},
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "holon")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level Holon config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Holon")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Holon")
		} else {
			return filepath.Join(home, ".holon")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

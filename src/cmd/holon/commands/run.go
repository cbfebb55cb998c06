package commands

import (
	"github.com/holonnet/holon/src/dummy"
	"github.com/holonnet/holon/src/holon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a Holon conductor with the demo
// chat app installed.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run conductor",
		PreRunE: loadConfig,
		RunE:    runHolon,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runHolon(cmd *cobra.Command, args []string) error {
	engine := holon.NewHolon(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	if err := engine.Conductor.InstallApp(
		"chat",
		dummy.AppDef(),
		dummy.NewGuest(nil),
		nil,
	); err != nil {
		return err
	}

	if err := engine.Conductor.EnableApp("chat"); err != nil {
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the first cell")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port in signed agent infos")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Do not serve the HTTP API")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// DHT configuration
	cmd.Flags().Duration("gossip-interval", _config.GossipInterval, "Time between gossip rounds")
	cmd.Flags().Uint8("quantum-power", _config.QuantumPower, "Arc quantization exponent")
	cmd.Flags().Int("redundancy", _config.TargetRedundancy, "Target number of authorities per op")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitly set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":          _config.DataDir,
		"BindAddr":         _config.BindAddr,
		"AdvertiseAddr":    _config.AdvertiseAddr,
		"ServiceAddr":      _config.ServiceAddr,
		"NoService":        _config.NoService,
		"MaxPool":          _config.MaxPool,
		"TCPTimeout":       _config.TCPTimeout,
		"Store":            _config.Store,
		"DatabaseDir":      _config.DatabaseDir,
		"LogLevel":         _config.LogLevel,
		"Moniker":          _config.Moniker,
		"GossipInterval":   _config.GossipInterval,
		"QuantumPower":     _config.QuantumPower,
		"TargetRedundancy": _config.TargetRedundancy,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first look for config in the datadir
	viper.SetConfigName("holon")
	viper.AddConfigPath(_config.DataDir)

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	return viper.Unmarshal(_config)
}

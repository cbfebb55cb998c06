package commands

import (
	"github.com/holonnet/holon/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for Holon
var RootCmd = &cobra.Command{
	Use:              "holon",
	Short:            "holon agent-centric app host",
	TraverseChildren: true,
}

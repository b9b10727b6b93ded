package module

import (
	"fmt"

	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <target/moduleId>...",
	Short: "Stop root modules",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runModuleCommand("stop", args, func(dm *services.DeploymentManager) localCommand {
			return dm.Stop
		}); err != nil {
			fmt.Println(err)
		}
	},
}

func init() {
	moduleCmd.AddCommand(stopCmd)
}

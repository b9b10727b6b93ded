package module

import (
	"fmt"

	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var undeployCmd = &cobra.Command{
	Use:   "undeploy <target/moduleId>...",
	Short: "Undeploy stopped root modules",
	Long:  "Undeploy root modules, every module of their subtree must be stopped first",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runModuleCommand("undeploy", args, func(dm *services.DeploymentManager) localCommand {
			return dm.Undeploy
		}); err != nil {
			fmt.Println(err)
		}
	},
}

func init() {
	moduleCmd.AddCommand(undeployCmd)
}

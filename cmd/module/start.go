package module

import (
	"fmt"

	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <target/moduleId>...",
	Short: "Start root modules",
	Long:  "Start root modules together with every nested module",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runModuleCommand("start", args, func(dm *services.DeploymentManager) localCommand {
			return dm.Start
		}); err != nil {
			fmt.Println(err)
		}
	},
}

func init() {
	moduleCmd.AddCommand(startCmd)
}

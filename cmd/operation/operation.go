package operation

import (
	"deploy-keeper/cmd/root"

	"github.com/spf13/cobra"
)

var operationCmd = &cobra.Command{
	Use:     "operation",
	Aliases: []string{"op"},
	Short:   "Deployment operations on the keeper server (list/status/watch/cancel/stop)",
	Long:    `Deployment operations on the keeper server (list/status/watch/cancel/stop)`,
}

const operationExample = `  # follow an operation until it ends
  deploy-keeper operation watch 0b5e4c1e-2f1d-4f4e-9c0a-3b8f4a0d2c11
  # cancel it, finished targets are rolled back
  deploy-keeper operation cancel 0b5e4c1e-2f1d-4f4e-9c0a-3b8f4a0d2c11`

func init() {
	root.RootCmd.AddCommand(operationCmd)
	operationCmd.Example = operationExample
}

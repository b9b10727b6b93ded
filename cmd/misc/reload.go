package misc

import (
	"fmt"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/rpc"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload server configuration",
	Long:  `Reload the configuration of a running keeper server through its reload API`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := reloadServerConfig(); err != nil {
			fmt.Println(err)
		}
	},
}

/**
 * Reload server configuration
 * @returns {error} Connection or API error
 * @description
 * - Calls POST /deploy/api/v1/reload
 * - Deployment manager settings apply after the server restarts
 */
func reloadServerConfig() error {
	return root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		resp, err := client.Post("/deploy/api/v1/reload", nil)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		fmt.Printf("Successfully reloaded server configuration, status code: %d\n", resp.StatusCode)
		return nil
	}, nil)
}

func init() {
	root.RootCmd.AddCommand(reloadCmd)
}

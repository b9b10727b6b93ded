package target

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Deployment targets",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment targets",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := listTargets(context.Background()); err != nil {
			fmt.Println(err)
		}
	},
}

/**
 * List deployment targets
 * @param {context.Context} ctx - Bounds the local target registry query
 * @returns {error} Request error
 * @description
 * - Local mode reads the static list or the consul catalog configured under targets
 */
func listTargets(ctx context.Context) error {
	var targets []models.Target
	err := root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		resp, err := client.Get("/deploy/api/v1/targets", nil)
		if err != nil {
			return err
		}
		return resp.Decode(&targets)
	}, func(dm *services.DeploymentManager) error {
		var err error
		targets, err = dm.Targets(ctx)
		return err
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}

func init() {
	root.RootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(listCmd)
}

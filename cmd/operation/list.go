package operation

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running operations and the operation history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := listOperations(); err != nil {
			fmt.Println(err)
		}
	},
}

func listOperations() error {
	var list models.OperationList
	err := root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		resp, err := client.Get("/deploy/api/v1/operations", map[string]interface{}{"limit": listLimit})
		if err != nil {
			return err
		}
		return resp.Decode(&list)
	}, func(dm *services.DeploymentManager) error {
		// 本地模式只能读取已记录的历史
		history, err := dm.Operations(context.Background(), listLimit)
		list.History = history
		return err
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATE\tACTION\tSTARTED\tDURATION\tMESSAGE")
	for _, op := range list.Active {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", op.ID, op.Status.Command, op.Status.State, op.Status.Action,
			op.StartTime.Format(time.DateTime), time.Since(op.StartTime).Round(time.Second), op.Status.Message)
	}
	for _, rec := range list.History {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Command, rec.State, rec.Action,
			rec.StartTime.Format(time.DateTime), rec.FinishTime.Sub(rec.StartTime).Round(time.Millisecond), rec.Message)
	}
	return w.Flush()
}

func init() {
	operationCmd.AddCommand(listCmd)
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Max history records")
}

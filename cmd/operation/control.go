package operation

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"

	"github.com/spf13/cobra"
)

// 运行中的操作只存在于 keeper 服务进程内，以下命令不提供本地模式

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the status of an operation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := operationRequest("GET", args[0], ""); err != nil {
			fmt.Println(err)
		}
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an operation, finished units are rolled back",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := operationRequest("POST", args[0], "/cancel"); err != nil {
			fmt.Println(err)
		}
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an operation once its running units are done",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := operationRequest("POST", args[0], "/stop"); err != nil {
			fmt.Println(err)
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Print the progress events of an operation until it ends",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		if _, err := rpc.WatchOperation(ctx, root.HTTPConfig(), args[0], root.PrintEvent); err != nil {
			fmt.Println(err)
		}
	},
}

func operationRequest(method, id, action string) error {
	return root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		path := "/deploy/api/v1/operations/" + url.PathEscape(id) + action
		var (
			resp *rpc.HTTPResponse
			err  error
		)
		if method == "GET" {
			resp, err = client.Get(path, nil)
		} else {
			resp, err = client.Post(path, nil)
		}
		if err != nil {
			return err
		}
		var op models.OperationDetail
		if err := resp.Decode(&op); err != nil {
			return err
		}
		root.PrintOperation(op)
		for _, r := range op.Results {
			fmt.Printf("  %s\n", r)
		}
		return nil
	}, nil)
}

func init() {
	operationCmd.AddCommand(statusCmd, cancelCmd, stopCmd, watchCmd)
}

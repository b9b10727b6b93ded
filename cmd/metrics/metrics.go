package metrics

import (
	"fmt"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"

	"github.com/spf13/cobra"
)

func init() {
	root.RootCmd.AddCommand(Cmd)
}

var Cmd = &cobra.Command{
	Use:   "metrics",
	Short: "显示keeper服务的健康状态与部署指标",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := showMetrics(); err != nil {
			fmt.Printf("获取指标失败: %v\n", err)
		}
	},
}

func showMetrics() error {
	return root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		resp, err := client.Get("/healthz", nil)
		if err != nil {
			return err
		}
		var h models.HealthResponse
		if err := resp.Decode(&h); err != nil {
			return err
		}
		fmt.Printf("Status:            %s\n", h.Status)
		fmt.Printf("Version:           %s\n", h.Version)
		fmt.Printf("Started:           %s (up %s)\n", h.StartTime, h.Uptime)
		fmt.Printf("Requests:          %d (%d failed)\n", h.Metrics.TotalRequests, h.Metrics.ErrorRequests)
		fmt.Printf("Active operations: %d\n", h.Metrics.ActiveOperations)
		fmt.Printf("Targets:           %d\n", h.Metrics.Targets)
		fmt.Printf("Modules:           %d (%d running)\n", h.Metrics.Modules, h.Metrics.RunningModules)
		return nil
	}, nil)
}

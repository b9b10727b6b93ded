package module

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var (
	listType    string
	listState   string
	listTargets []string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed modules",
	Long:  "Without --type, print the module tree of every target. With --type, list modules of that type filtered by --state.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := listModules(context.Background()); err != nil {
			fmt.Println(err)
		}
	},
}

func listModules(ctx context.Context) error {
	var modules []models.ModuleDetail
	err := root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		params := map[string]interface{}{}
		if listType != "" {
			params["type"] = listType
			params["state"] = listState
			if len(listTargets) > 0 {
				params["target"] = listTargets
			}
		}
		resp, err := client.Get("/deploy/api/v1/modules", params)
		if err != nil {
			return err
		}
		return resp.Decode(&modules)
	}, func(dm *services.DeploymentManager) error {
		mods, err := queryLocal(ctx, dm)
		if err != nil {
			return err
		}
		for _, m := range mods {
			modules = append(modules, m.Detail())
		}
		return nil
	})
	if err != nil {
		return err
	}
	printModules(modules)
	return nil
}

func queryLocal(ctx context.Context, dm *services.DeploymentManager) ([]*services.TargetModuleID, error) {
	if listType == "" {
		tree, err := dm.ModuleTree(ctx)
		if err != nil {
			return nil, err
		}
		return tree.Roots(), nil
	}
	moduleType, err := models.ParseModuleType(listType)
	if err != nil {
		return nil, err
	}
	targets, err := dm.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if len(listTargets) > 0 {
		targets = targets[:0]
		for _, t := range listTargets {
			targets = append(targets, models.Target{Name: t})
		}
	}
	switch listState {
	case "running":
		return dm.RunningModules(ctx, moduleType, targets)
	case "stopped":
		return dm.NonRunningModules(ctx, moduleType, targets)
	case "all":
		return dm.AvailableModules(ctx, moduleType, targets)
	}
	return nil, fmt.Errorf("unknown state %q", listState)
}

func printModules(modules []models.ModuleDetail) {
	if len(modules) == 0 {
		fmt.Println("没有找到模块")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tMODULE\tTYPE\tSTATE\tURL")
	var walk func(m models.ModuleDetail, depth int)
	walk = func(m models.ModuleDetail, depth int) {
		state := "stopped"
		if m.Running {
			state = "running"
		}
		fmt.Fprintf(w, "%s\t%s%s\t%s\t%s\t%s\n", m.Target, strings.Repeat("  ", depth), m.ModuleID, m.Type, state, m.WebURL)
		for _, c := range m.Children {
			walk(c, depth+1)
		}
	}
	for _, m := range modules {
		walk(m, 0)
	}
	w.Flush()
}

func init() {
	moduleCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listType, "type", "", "Module type (ear/ejb/car/rar/war)")
	listCmd.Flags().StringVar(&listState, "state", "all", "running/stopped/all, used with --type")
	listCmd.Flags().StringArrayVarP(&listTargets, "target", "t", nil, "Target name, repeatable, defaults to every target")
}

package module

import (
	"fmt"
	"os"
	"path/filepath"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var (
	distTargets []string
	distPlan    string
)

var distributeCmd = &cobra.Command{
	Use:   "distribute <archive>",
	Short: "Distribute a module archive to targets",
	Long:  "Copy a module archive, and an optional deployment plan, to one or more targets. Modules are distributed stopped.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := distribute(args[0]); err != nil {
			fmt.Println(err)
		}
	},
}

/**
 * Distribute an archive
 * @param {string} archive - Archive path, its base name becomes the root module id
 * @returns {error} Request or operation error
 * @description
 * - Sends the archive to the keeper server as a multipart form
 * - Runs on a local deployment manager when the server is not reachable
 */
func distribute(archive string) error {
	if len(distTargets) == 0 {
		return fmt.Errorf("at least one --target is required")
	}
	ctx, cancel := signalContext()
	defer cancel()

	return root.Run(func(client rpc.HTTPClient, cfg *rpc.HTTPConfig) error {
		form, err := archiveForm(archive, distPlan)
		if err != nil {
			return err
		}
		for _, t := range distTargets {
			form.Add("target", t)
		}
		resp, err := client.PostForm("/deploy/api/v1/modules/distribute", form)
		if err != nil {
			return err
		}
		var op models.OperationDetail
		if err := resp.Decode(&op); err != nil {
			return err
		}
		return root.FollowRemote(ctx, cfg, op, flagWait)
	}, func(dm *services.DeploymentManager) error {
		targets := make([]models.Target, 0, len(distTargets))
		for _, t := range distTargets {
			targets = append(targets, models.Target{Name: t})
		}
		po, err := dm.Distribute(ctx, targets, services.FileSource{Path: archive}, planSource(distPlan))
		if err != nil {
			return err
		}
		return root.WaitLocal(ctx, po)
	})
}

// archiveForm reads the archive and the optional plan into a multipart form.
func archiveForm(archive, plan string) (*rpc.Form, error) {
	data, err := os.ReadFile(archive)
	if err != nil {
		return nil, err
	}
	form := rpc.NewForm().AddFile("archive", filepath.Base(archive), data)
	if plan != "" {
		planData, err := os.ReadFile(plan)
		if err != nil {
			return nil, err
		}
		form.AddFile("plan", filepath.Base(plan), planData)
	}
	return form, nil
}

func planSource(plan string) services.ArchiveSource {
	if plan == "" {
		return nil
	}
	return services.FileSource{Path: plan}
}

func init() {
	moduleCmd.AddCommand(distributeCmd)
	distributeCmd.Flags().StringArrayVarP(&distTargets, "target", "t", nil, "Target name, repeatable")
	distributeCmd.Flags().StringVarP(&distPlan, "plan", "p", "", "Deployment plan file")
}

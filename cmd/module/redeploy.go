package module

import (
	"fmt"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var redeployPlan string

var redeployCmd = &cobra.Command{
	Use:   "redeploy <archive> <target/moduleId>...",
	Short: "Replace root modules with a new archive",
	Long:  "Replace deployed root modules with a new version of their archive. Running modules keep running.",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := redeploy(args[0], args[1:]); err != nil {
			fmt.Println(err)
		}
	},
}

func redeploy(archive string, modules []string) error {
	refs, err := parseRefs(modules)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	return root.Run(func(client rpc.HTTPClient, cfg *rpc.HTTPConfig) error {
		form, err := archiveForm(archive, redeployPlan)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			form.Add("module", ref.String())
		}
		resp, err := client.PostForm("/deploy/api/v1/modules/redeploy", form)
		if err != nil {
			return err
		}
		var op models.OperationDetail
		if err := resp.Decode(&op); err != nil {
			return err
		}
		return root.FollowRemote(ctx, cfg, op, flagWait)
	}, func(dm *services.DeploymentManager) error {
		ids, err := dm.ResolveModules(ctx, refs)
		if err != nil {
			return err
		}
		po, err := dm.Redeploy(ctx, ids, services.FileSource{Path: archive}, planSource(redeployPlan))
		if err != nil {
			return err
		}
		return root.WaitLocal(ctx, po)
	})
}

func init() {
	moduleCmd.AddCommand(redeployCmd)
	redeployCmd.Flags().StringVarP(&redeployPlan, "plan", "p", "", "Deployment plan file")
}

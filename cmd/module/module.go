package module

import (
	"context"
	"os"
	"os/signal"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Module operations (distribute/list/start/stop/undeploy/redeploy)",
	Long:  `Module operations (distribute/list/start/stop/undeploy/redeploy)`,
}

const moduleExample = `  # distribute an archive to two targets and wait for the result
  deploy-keeper module distribute shop.war -t web1 -t web2 --wait
  # start a root module
  deploy-keeper module start web1/shop.war`

var flagWait bool

func init() {
	root.RootCmd.AddCommand(moduleCmd)
	moduleCmd.Example = moduleExample
	moduleCmd.PersistentFlags().BoolVarP(&flagWait, "wait", "w", false, "Follow the operation until it ends")
}

// signalContext is cancelled on Ctrl-C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func parseRefs(args []string) ([]models.ModuleRef, error) {
	refs := make([]models.ModuleRef, 0, len(args))
	for _, a := range args {
		ref, err := models.ParseModuleRef(a)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

type localCommand func(context.Context, []*services.TargetModuleID, ...services.OperationOption) (*services.ProgressObject, error)

/**
 * Run start/stop/undeploy on root modules
 * @param {string} verb - API verb, "start", "stop" or "undeploy"
 * @param {[]string} args - Modules as target/moduleId
 * @param {func(*services.DeploymentManager) localCommand} pick - Selects the manager method for local runs
 */
func runModuleCommand(verb string, args []string, pick func(*services.DeploymentManager) localCommand) error {
	refs, err := parseRefs(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	return root.Run(func(client rpc.HTTPClient, cfg *rpc.HTTPConfig) error {
		resp, err := client.Post("/deploy/api/v1/modules/"+verb, models.ModulesRequest{Modules: refs})
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
		po, err := pick(dm)(ctx, ids)
		if err != nil {
			return err
		}
		return root.WaitLocal(ctx, po)
	})
}

package root

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "deploy-keeper",
	Short: "模块部署管理器",
	Long:  `deploy-keeper 将企业应用归档分发到部署目标，管理模块的启动、停止、卸载、重新部署以及部署计划`,
}

var (
	flagLocal    bool
	flagToken    string
	flagUser     string
	flagPassword string
)

func init() {
	pf := RootCmd.PersistentFlags()
	pf.BoolVar(&flagLocal, "local", false, "Use an in-process deployment manager instead of the keeper server")
	pf.StringVar(&flagToken, "token", "", "Bearer token for the keeper server (default $KEEPER_TOKEN)")
	pf.StringVar(&flagUser, "user", "", "User for the in-process deployment manager")
	pf.StringVar(&flagPassword, "password", "", "Password for the in-process deployment manager (default $KEEPER_PASSWORD)")
}

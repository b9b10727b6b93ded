package cmd

import (
	_ "deploy-keeper/cmd/metrics"
	_ "deploy-keeper/cmd/misc"
	_ "deploy-keeper/cmd/module"
	_ "deploy-keeper/cmd/operation"
	_ "deploy-keeper/cmd/plan"
	_ "deploy-keeper/cmd/root"
	_ "deploy-keeper/cmd/server"
	_ "deploy-keeper/cmd/target"
)

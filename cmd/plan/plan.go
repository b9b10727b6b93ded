package plan

import (
	"bytes"
	"fmt"
	"os"

	"deploy-keeper/cmd/root"
	"deploy-keeper/controllers"
	"deploy-keeper/internal/models"
	"deploy-keeper/services"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Deployment plans",
}

var (
	initSets    []string
	initOutput  string
	initVersion string
)

var initCmd = &cobra.Command{
	Use:   "init <archive>",
	Short: "Generate the default deployment plan of an archive",
	Long: `Generate the default deployment plan of an archive with a disconnected deployment manager.
No keeper server, store or target is needed.`,
	Example: `  deploy-keeper plan init shop.war --set context-root=/shop -o shop-plan.xml`,
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := initPlan(args[0]); err != nil {
			fmt.Println(err)
		}
	},
}

func initPlan(archive string) error {
	props, err := controllers.ParseProperties(initSets)
	if err != nil {
		return err
	}
	dm, err := root.OpenLocal(true)
	if err != nil {
		return err
	}
	defer dm.Release()
	if initVersion != "" {
		v, err := models.ParseConfigBeanVersion(initVersion)
		if err != nil {
			return err
		}
		if err := dm.SetConfigBeanVersion(v); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := dm.InitPlan(services.FileSource{Path: archive}, props, &buf); err != nil {
		return err
	}
	if initOutput == "" || initOutput == "-" {
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	}
	if err := os.WriteFile(initOutput, buf.Bytes(), 0644); err != nil {
		return err
	}
	fmt.Printf("Deployment plan written to %s\n", initOutput)
	return nil
}

func init() {
	root.RootCmd.AddCommand(planCmd)
	planCmd.AddCommand(initCmd)
	initCmd.Flags().StringArrayVar(&initSets, "set", nil, "Property of the top config bean, name=value, repeatable")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "Output file, stdout by default")
	initCmd.Flags().StringVar(&initVersion, "bean-version", "", "Config bean version (V1_4/V5)")
}

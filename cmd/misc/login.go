package misc

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"deploy-keeper/cmd/root"
	"deploy-keeper/internal/models"
	"deploy-keeper/internal/rpc"

	"github.com/spf13/cobra"
)

var (
	loginUser     string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Get an API token from the keeper server",
	Long: `Exchange a user name and password for a bearer token.
Export the token as KEEPER_TOKEN or pass it with --token to the other commands.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := login(); err != nil {
			fmt.Println(err)
		}
	},
}

func login() error {
	password := loginPassword
	if password == "" {
		password = os.Getenv("KEEPER_PASSWORD")
	}
	if password == "" {
		fmt.Print("Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	return root.Run(func(client rpc.HTTPClient, _ *rpc.HTTPConfig) error {
		resp, err := client.Post("/deploy/api/v1/login", models.LoginRequest{Username: loginUser, Password: password})
		if err != nil {
			return err
		}
		var lr models.LoginResponse
		if err := resp.Decode(&lr); err != nil {
			return err
		}
		fmt.Println(lr.Token)
		fmt.Fprintf(os.Stderr, "Token expires at %s\n", lr.ExpiresAt)
		return nil
	}, nil)
}

func init() {
	root.RootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "admin", "User name")
	loginCmd.Flags().StringVar(&loginPassword, "pass", "", "Password (default $KEEPER_PASSWORD, prompted when empty)")
}

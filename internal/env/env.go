package env

import (
	"os"
	"path/filepath"
)

// (default: %USERPROFILE%/.deploy-keeper on Windows, $HOME/.deploy-keeper on Linux)
var KeeperDir string = GetKeeperDir()

/**
 * Get keeper directory path
 * @returns {string} Returns keeper directory path
 * @description
 * - KEEPER_HOME overrides the default location under the user's home directory
 */
func GetKeeperDir() string {
	if dir := os.Getenv("KEEPER_HOME"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".deploy-keeper")
}

// RunDir holds the unix socket of the keeper server.
func RunDir() string {
	return filepath.Join(KeeperDir, "run")
}

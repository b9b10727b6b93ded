package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/utils"
)

type ListenAddr struct {
	Network string
	Address string
}

/**
 * Test if the system supports Unix socket network type
 * @returns {bool} Returns true if Unix socket is supported, false otherwise
 * @description
 * - Creates a temporary Unix socket to test system support
 * - Cleans up test socket file after testing
 * - Returns false if Unix socket creation fails
 * - Returns true if Unix socket creation succeeds
 * @example
 * supported := IsUnixSocketSupported()
 * if !supported {
 *     logger.Info("Unix socket is not supported on this system")
 * }
 */
func IsUnixSocketSupported() bool {
	if runtime.GOOS != "windows" { //window,linux,darwin
		return true
	}
	// 尝试创建一个临时的Unix socket来测试系统是否支持
	testSocketPath := filepath.Join(os.TempDir(), "test_unix_socket.sock")
	// 清理可能存在的测试socket文件
	os.Remove(testSocketPath)

	// 尝试创建Unix socket监听器
	listener, err := net.Listen("unix", testSocketPath)
	if err != nil {
		// 如果创建失败，说明系统不支持Unix socket
		return false
	}

	// 如果创建成功，关闭监听器并清理文件
	listener.Close()
	os.Remove(testSocketPath)
	return true
}

/**
 * Create TCP and Unix socket listeners for cross-platform support
 * @param {[]ListenAddr} addrs - Listener Address
 * @returns {([]net.Listener, error)} Listeners that could be created, and the last creation error
 * @description
 * - A stale unix socket file is removed before listening, a live one is left alone
 * - The socket file is restricted to the current user
 * - One failing address does not prevent the others
 */
func CreateListeners(addrs []ListenAddr) ([]net.Listener, error) {
	var listeners []net.Listener

	var lastErr error
	for _, addr := range addrs {
		if addr.Network == "unix" {
			if utils.AddressInUse(addr.Network, addr.Address) {
				lastErr = fmt.Errorf("socket %s is served by another process", addr.Address)
				logger.Error(lastErr)
				continue
			}
			if err := os.Remove(addr.Address); err != nil && !os.IsNotExist(err) {
				logger.Errorf("Failed to remove existing socket file: %v", err)
				continue
			}
		}
		ln, err := net.Listen(addr.Network, addr.Address)
		if err != nil {
			logger.Errorf("Failed to create listener on %s://%s: %v", addr.Network, addr.Address, err)
			lastErr = err
			continue
		}
		if addr.Network == "unix" {
			if err := os.Chmod(addr.Address, 0600); err != nil {
				logger.Warnf("Restrict socket permissions failed: %v", err)
			}
		}
		listeners = append(listeners, ln)
	}
	return listeners, lastErr
}

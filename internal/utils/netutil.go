package utils

import (
	"net"
	"time"
)

/**
 * Check whether something already accepts connections on an address
 * @param {string} network - "tcp" or "unix"
 * @param {string} address - Host:port or socket path
 * @returns {bool} True when a connection could be made
 * @description
 * - Used before removing a unix socket file, a live socket belongs to another keeper
 */
func AddressInUse(network, address string) bool {
	conn, err := net.DialTimeout(network, address, time.Second)
	if err != nil {
		// 连接失败，说明地址可用
		return false
	}
	conn.Close()
	return true
}

package utils

import "net"

// IsInternalIP 判断是否为内网IP
func IsInternalIP(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	if parsedIP.IsLoopback() || parsedIP.IsPrivate() {
		return true
	}
	return parsedIP.IsLinkLocalUnicast() || parsedIP.IsLinkLocalMulticast()
}

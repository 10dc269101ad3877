package http

import (
	"net"
	"net/http"
	"strings"
)

const (
	// DeviceIDHeader carries the client-generated stable device identifier.
	DeviceIDHeader = "X-Device-ID"

	maxUserAgentLen = 512
	maxDeviceIDLen  = 128
)

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
}

// ClientInfo is the request context fed into risk and audit decisions.
type ClientInfo struct {
	IPAddress string
	UserAgent string
	DeviceID  string
}

// ExtractClientInfo collects the client IP, user agent and device id.
func ExtractClientInfo(r *http.Request, config *IPConfig) ClientInfo {
	return ClientInfo{
		IPAddress: ExtractClientIP(r, config),
		UserAgent: truncate(r.UserAgent(), maxUserAgentLen),
		DeviceID:  truncate(strings.TrimSpace(r.Header.Get(DeviceIDHeader)), maxDeviceIDLen),
	}
}

// ExtractClientIP extracts the real client IP address from the request.
// X-Forwarded-For and X-Real-IP are only honored when the direct peer is a
// trusted proxy.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := getRemoteAddr(r)

	if config != nil && isTrustedProxy(remoteIP, config.TrustedProxies) {
		// X-Forwarded-For can contain multiple IPs, take the first valid one
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, ip := range strings.Split(xff, ",") {
				ip = strings.TrimSpace(ip)
				if isValidIP(ip) {
					return ip
				}
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if isValidIP(xri) {
				return xri
			}
		}
	}

	return remoteIP
}

// getRemoteAddr extracts the IP address from RemoteAddr (removing port if present)
func getRemoteAddr(r *http.Request) string {
	if r.RemoteAddr != "" {
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return ip
		}
		return r.RemoteAddr
	}
	return "unknown"
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	if len(trustedProxies) == 0 {
		return false
	}

	clientIP := net.ParseIP(ip)
	if clientIP == nil {
		return false
	}

	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipNet.Contains(clientIP) {
			return true
		}
	}

	return false
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package routing

import (
	"net"
	"strings"
)

// DefaultBucket is the lookup key for requests that carry no application
// label, such as the bare base domain.
const DefaultBucket = "*"

// Subdomain extracts the application label from host under base. Only a
// single label directly below base is accepted. The base domain itself, a
// dotless host and an IP literal map to DefaultBucket.
func Subdomain(host, base string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	base = strings.Trim(strings.ToLower(base), ".")
	if base == "" || host == "" {
		return "", false
	}
	if host == base || !strings.Contains(host, ".") || net.ParseIP(host) != nil {
		return DefaultBucket, true
	}
	suffix := "." + base
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

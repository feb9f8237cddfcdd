// Package hostutil extracts routing keys from HTTP Host headers.
package hostutil

import (
	"net"
	"strings"
)

// Subdomain returns the leading subdomain of host relative to rootDomain.
// A bare rootDomain (or "www" prefix) maps to the empty subdomain. Ports are
// ignored. The second return is false when host is not under rootDomain.
func Subdomain(host, rootDomain string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	rootDomain = strings.ToLower(strings.TrimSpace(rootDomain))
	if host == "" || rootDomain == "" {
		return "", false
	}
	if host == rootDomain || host == "www."+rootDomain {
		return "", true
	}
	suffix := "." + rootDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		// Only one label deep; nested subdomains are not routable sites.
		return "", false
	}
	return sub, true
}

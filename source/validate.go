// Package source fetches web references listed in the intake's data
// sources and turns them into markdown context for agents. Fetching is
// SSRF-hardened: HTTPS only, private address ranges blocked at both URL
// validation and dial time.
package source

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Pre-compiled CIDR networks for private/reserved ranges, parsed once at
// package initialization.
var (
	cgnat    *net.IPNet // 100.64.0.0/10 carrier-grade NAT
	v6unique *net.IPNet // fc00::/7 unique local
	v6link   *net.IPNet // fe80::/10 link-local
)

func init() {
	var err error
	if _, cgnat, err = net.ParseCIDR("100.64.0.0/10"); err != nil {
		panic("invalid CGNAT CIDR: " + err.Error())
	}
	if _, v6unique, err = net.ParseCIDR("fc00::/7"); err != nil {
		panic("invalid IPv6 unique local CIDR: " + err.Error())
	}
	if _, v6link, err = net.ParseCIDR("fe80::/10"); err != nil {
		panic("invalid IPv6 link-local CIDR: " + err.Error())
	}
}

// ValidateURL checks a source URL for fetch safety. HTTPS is required;
// localhost variants, local domains, and private IP literals are rejected.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("only https URLs are allowed, got %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return fmt.Errorf("localhost is not allowed")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("local domain %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("private IP %s is not allowed", ip)
	}
	return nil
}

// IsPrivateIP reports whether ip falls in a private or reserved range.
// IPv6-mapped IPv4 addresses are unwrapped first.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return true
	}
	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}

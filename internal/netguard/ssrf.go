// Package netguard blocks server-side request forgery against
// HTTP-protocol connection targets: a device's connection config is
// controlled by whoever configured it in the metadata store, so the
// engine validates endpoint_url before ever dialing it, the same way the
// teacher's validation package gates tool-call targets before a worker
// touches them.
package netguard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validator rejects connection-config HTTP(S) targets that resolve to
// loopback, link-local, multicast, or (by default) RFC 1918 private
// address space, mirroring the teacher's SSRFValidator blocked-range
// tables.
type Validator struct {
	allowedPrivateRanges []*net.IPNet
}

// NewValidator builds a Validator. allowPrivateNetworks are CIDR strings
// exempted from the private-address block (spec.md §9's local/dev
// testing escape hatch — mirrors cmd/worker's --allow-private-networks).
func NewValidator(allowPrivateNetworks []string) *Validator {
	v := &Validator{}
	for _, cidrStr := range allowPrivateNetworks {
		if _, ipnet, err := net.ParseCIDR(cidrStr); err == nil {
			v.allowedPrivateRanges = append(v.allowedPrivateRanges, ipnet)
		}
	}
	return v
}

// ValidateURL returns an error describing the first SSRF concern found in
// urlStr, or nil if the target is acceptable to dial.
func (v *Validator) ValidateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("netguard: invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("netguard: scheme %q not allowed, only http/https", parsed.Scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("netguard: URL must not carry userinfo credentials")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("netguard: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return v.validateIP(ip)
	}
	return v.validateHostname(host)
}

// ResolveAndValidate re-validates urlStr's hostname against the addresses it
// actually resolves to, closing the DNS-rebinding gap ValidateURL's
// pattern-only hostname check leaves open (a hostname that isn't literally
// "localhost" but resolves to a loopback or metadata address). The adapter
// calls this right before dialing, in addition to the config-time
// ValidateURL check.
func (v *Validator) ResolveAndValidate(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("netguard: invalid URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("netguard: URL has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return v.validateIP(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("netguard: resolving hostname %q: %w", host, err)
	}
	for _, ip := range ips {
		if err := v.validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateIP(ip net.IP) error {
	if v.isAllowedPrivate(ip) {
		return nil
	}
	if ip.IsLoopback() {
		return fmt.Errorf("netguard: loopback address %s is blocked", ip)
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("netguard: link-local address %s is blocked", ip)
	}
	if ip.IsMulticast() {
		return fmt.Errorf("netguard: multicast address %s is blocked", ip)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return v.validateIPv4(ip4)
	}
	return v.validateIPv6(ip)
}

func (v *Validator) validateIPv4(ip net.IP) error {
	blocked := []string{
		"169.254.169.254/32", // cloud metadata endpoint
		"100.100.100.200/32", // Alibaba Cloud metadata endpoint
		"192.0.0.0/24",       // IETF protocol assignments
		"0.0.0.0/8",
	}
	for _, cidrStr := range blocked {
		if _, cidr, err := net.ParseCIDR(cidrStr); err == nil && cidr.Contains(ip) {
			return fmt.Errorf("netguard: address %s falls in blocked range %s", ip, cidrStr)
		}
	}
	rfc1918 := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	for _, cidrStr := range rfc1918 {
		if _, cidr, err := net.ParseCIDR(cidrStr); err == nil && cidr.Contains(ip) {
			return fmt.Errorf("netguard: private address %s is blocked by default (allowlist its CIDR to permit it)", ip)
		}
	}
	return nil
}

func (v *Validator) validateIPv6(ip net.IP) error {
	blocked := []string{
		"::1/128",        // loopback
		"::/128",         // unspecified
		"fc00::/7",       // unique local
		"fe80::/10",      // link-local
		"ff00::/8",       // multicast
		"64:ff9b::/96",   // NAT64
		"2001:db8::/32",  // documentation
	}
	for _, cidrStr := range blocked {
		if _, cidr, err := net.ParseCIDR(cidrStr); err == nil && cidr.Contains(ip) {
			return fmt.Errorf("netguard: address %s falls in blocked range %s", ip, cidrStr)
		}
	}
	if v4 := ip.To4(); v4 != nil {
		return v.validateIPv4(v4)
	}
	return nil
}

func (v *Validator) validateHostname(host string) error {
	lower := strings.ToLower(host)
	for _, pattern := range []string{"localhost", "localhost.localdomain", "local"} {
		if lower == pattern || strings.HasSuffix(lower, "."+pattern) {
			if v.isAllowedPrivate(net.ParseIP("127.0.0.1")) {
				return nil
			}
			return fmt.Errorf("netguard: hostname %q resolves to localhost, blocked by default", host)
		}
	}
	return nil
}

func (v *Validator) isAllowedPrivate(ip net.IP) bool {
	for _, allowed := range v.allowedPrivateRanges {
		if allowed.Contains(ip) {
			return true
		}
	}
	return false
}

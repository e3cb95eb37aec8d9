// Package security provides input validation and log-redaction utilities.
package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
	ErrURLTooLong       = errors.New("URL exceeds maximum length")
)

// MaxURLLength caps navigation target length.
const MaxURLLength = 8192

// allowedSchemes defines the permitted navigation schemes.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// blockedHosts contains hostnames that must never be navigated to.
var blockedHosts = map[string]bool{
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// cloudMetadataIPs are IPs used by cloud provider metadata services.
// Blocking them prevents SSRF access to instance credentials.
var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure
	net.ParseIP("169.254.170.2"),   // AWS ECS task metadata
	net.ParseIP("100.100.100.200"), // Alibaba Cloud
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6 metadata
}

// SanitizeNavigationURL validates a navigation target and returns a
// normalized form safe to hand to the engine. Embedded credentials are
// stripped; only http and https schemes pass.
func SanitizeNavigationURL(rawURL string, allowLocal bool) (string, error) {
	if rawURL == "" {
		return "", ErrInvalidURL
	}
	if len(rawURL) > MaxURLLength {
		return "", ErrURLTooLong
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", ErrInvalidURL
	}
	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return "", ErrBlockedScheme
	}

	// Strip embedded credentials before the URL travels anywhere.
	parsed.User = nil

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return "", ErrInvalidURL
	}
	if blockedHosts[hostname] {
		return "", ErrMetadataBlocked
	}

	if !allowLocal {
		if isLocalhostHostname(hostname) {
			return "", ErrLocalhostBlocked
		}
		if ip := parseIPWithNormalization(hostname); ip != nil {
			if err := validateIP(normalizeIPv4Mapped(ip)); err != nil {
				return "", err
			}
		}
	}

	return parsed.String(), nil
}

// parseIPWithNormalization parses an IP string, handling decimal-encoded
// forms (2130706433 for 127.0.0.1) that could bypass the loopback checks.
func parseIPWithNormalization(hostname string) net.IP {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}
	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}
	return nil
}

// normalizeIPv4Mapped converts IPv4-mapped IPv6 addresses (::ffff:x.x.x.x)
// to IPv4 so the IPv4 range checks apply.
func normalizeIPv4Mapped(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

// isLocalhostHostname checks for localhost hostname variants.
func isLocalhostHostname(hostname string) bool {
	switch hostname {
	case "localhost", "localhost.localdomain", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

// validateIP rejects loopback, private, link-local, metadata, and
// unspecified addresses.
func validateIP(ip net.IP) error {
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 127 {
		return ErrLocalhostBlocked
	}
	if ip.Equal(net.IPv6loopback) {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	for _, meta := range cloudMetadataIPs {
		if ip.Equal(meta) {
			return ErrMetadataBlocked
		}
	}
	return nil
}

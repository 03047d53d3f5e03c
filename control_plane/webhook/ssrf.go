package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrForbiddenDestination marks URLs pointing at loopback, link-local
// or private ranges, which are rejected unless explicitly allowed.
var ErrForbiddenDestination = errors.New("webhook: destination address is not allowed")

// ValidateURL checks a webhook destination before any request is sent,
// and again for every redirect target. allowPrivate whitelists internal
// ranges for deployments that deliver to in-network consumers.
func ValidateURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook: url has no host")
	}
	if allowPrivate {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return ErrForbiddenDestination
	}

	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("webhook: resolve %s: %w", host, err)
		}
		ips = resolved
	}

	for _, ip := range ips {
		if isForbidden(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrForbiddenDestination, host, ip)
		}
	}
	return nil
}

func isForbidden(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

package sender

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var ErrUnsafeURL = errors.New("unsafe destination url")

// URLPolicy decides whether a destination may receive webhooks. The zero value enforces it.
type URLPolicy struct {
	// AllowInsecure disables every check. Local development and tests only.
	AllowInsecure bool
}

var blockedHostPrefixes = []string{"metadata.", "internal."}

// Check rejects non-HTTPS URLs, non-443 ports, localhost and cloud metadata/internal names,
// and IP literals that are loopback, private, link-local or unspecified.
func (p URLPolicy) Check(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if p.AllowInsecure {
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: scheme %q", ErrUnsafeURL, u.Scheme)
		}
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not https", ErrUnsafeURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("%w: port %s", ErrUnsafeURL, port)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %s", ErrUnsafeURL, host)
	}
	for _, prefix := range blockedHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			return fmt.Errorf("%w: host %s", ErrUnsafeURL, host)
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() ||
			(addr.Is4() && addr.As4()[0] == 0) {
			return fmt.Errorf("%w: address %s", ErrUnsafeURL, addr)
		}
	}
	return nil
}

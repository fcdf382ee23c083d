package callback

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"syscall"
)

// ErrForbiddenTarget is returned for callback URLs the target policy refuses.
var ErrForbiddenTarget = errors.New("callback target not allowed")

// TargetPolicy restricts where disconnect callbacks may be sent. An empty
// AllowedHosts permits any host. Loopback, private, link-local, multicast and
// unspecified addresses are refused unless AllowPrivate is set; the check is
// repeated on the resolved address at dial time.
type TargetPolicy struct {
	AllowedHosts []string
	AllowPrivate bool
}

// NewTargetPolicy parses a comma-separated host allow-list.
func NewTargetPolicy(allowedHosts string, allowPrivate bool) TargetPolicy {
	p := TargetPolicy{AllowPrivate: allowPrivate}
	for _, h := range strings.Split(allowedHosts, ",") {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.AllowedHosts = append(p.AllowedHosts, h)
		}
	}
	return p
}

// CheckURL validates a caller-supplied callback URL against the policy.
func (p TargetPolicy) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: must be an absolute http(s) URL", ErrForbiddenTarget)
	}

	host := strings.ToLower(u.Hostname())
	if len(p.AllowedHosts) > 0 && !slices.Contains(p.AllowedHosts, host) {
		return fmt.Errorf("%w: host %q is not in the allow-list", ErrForbiddenTarget, host)
	}
	if p.AllowPrivate {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q is internal", ErrForbiddenTarget, host)
	}
	if ip := net.ParseIP(host); ip != nil && internalIP(ip) {
		return fmt.Errorf("%w: address %s is internal", ErrForbiddenTarget, ip)
	}
	return nil
}

// dialControl refuses connections whose resolved address is internal.
func (p TargetPolicy) dialControl(_, address string, _ syscall.RawConn) error {
	if p.AllowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForbiddenTarget, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || internalIP(ip) {
		return fmt.Errorf("%w: address %s is internal", ErrForbiddenTarget, host)
	}
	return nil
}

func internalIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

package attachment

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned for URLs that resolve to loopback, private,
// link-local or otherwise reserved addresses.
var ErrBlockedAddress = errors.New("address is blocked")

const maxRedirects = 5

// DefaultBlockedCIDRs are the ranges fetches may not reach.
var DefaultBlockedCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

var blockedHosts = []string{
	"localhost",
	"metadata",
	"metadata.google.internal",
	"instance-data",
}

// addressGuard rejects destinations inside blocked networks. Resolved
// addresses are checked at dial time, so a name that resolves to a private
// address is refused as well.
type addressGuard struct {
	networks []*net.IPNet
}

func newAddressGuard(cidrs []string) (*addressGuard, error) {
	g := &addressGuard{}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked range %q: %w", cidr, err)
		}
		g.networks = append(g.networks, network)
	}
	return g, nil
}

func (g *addressGuard) blockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range g.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// checkURL validates scheme and host before any connection is made.
func (g *addressGuard) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported attachment scheme %q", u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("attachment url %q has no host", u.String())
	}
	for _, blocked := range blockedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
		}
	}
	if ip := net.ParseIP(host); ip != nil && g.blockedIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// control runs after name resolution, right before connect.
func (g *addressGuard) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolved %s", ErrBlockedAddress, host)
	}
	if g.blockedIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}

// client returns an HTTP client whose connections and redirects pass the
// guard.
func (g *addressGuard) client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   g.control,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return g.checkURL(req.URL)
		},
	}
}

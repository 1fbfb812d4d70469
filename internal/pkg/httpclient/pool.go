// Package httpclient provides a shared, validated HTTP client pool for outbound
// calls to Upstream. It guards against DNS-rebinding by caching a per-host IP
// validation result for a bounded TTL instead of trusting every connection
// the standard transport opens.
package httpclient

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// validatedHostTTL bounds how long a host's resolved-IP validation is trusted
// before the next request re-checks it.
const validatedHostTTL = 5 * time.Minute

// validateResolvedIP is overridden in tests. In production it resolves the
// host and rejects loopback/link-local/private destinations, the same class
// of target a DNS-rebinding attack would redirect a previously-safe hostname
// to.
var validateResolvedIP = func(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
			return &net.AddrError{Err: "resolved address is not routable", Addr: ip.String()}
		}
	}
	return nil
}

type hostValidation struct {
	validatedAt time.Time
	err         error
}

// validatedTransport wraps a base http.RoundTripper and re-validates the
// destination host's resolved IP no more often than validatedHostTTL.
type validatedTransport struct {
	base http.RoundTripper
	now  func() time.Time

	mu     sync.Mutex
	hosts  map[string]hostValidation
}

func newValidatedTransport(base http.RoundTripper) *validatedTransport {
	return &validatedTransport{
		base:  base,
		now:   time.Now,
		hosts: make(map[string]hostValidation),
	}
}

func (t *validatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	now := t.now()

	t.mu.Lock()
	cached, ok := t.hosts[host]
	stale := !ok || now.Sub(cached.validatedAt) >= validatedHostTTL
	if stale {
		t.mu.Unlock()
		err := validateResolvedIP(host)
		t.mu.Lock()
		t.hosts[host] = hostValidation{validatedAt: now, err: err}
		cached = t.hosts[host]
	}
	t.mu.Unlock()

	if cached.err != nil {
		return nil, cached.err
	}
	return t.base.RoundTrip(req)
}

// NewClient builds an *http.Client for Upstream calls whose transport is
// wrapped with DNS-rebinding protection. base may be nil to use
// http.DefaultTransport.
func NewClient(base http.RoundTripper, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: newValidatedTransport(base),
		Timeout:   timeout,
	}
}

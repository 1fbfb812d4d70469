// req_client_pool.go pools the imroc/req clients Upstream calls go out
// through. Grounded on req_client_pool_test.go (the only surviving trace of
// this file in the teacher repo; the teacher's own
// openai_oauth_service.go calls createOpenAIReqClient but never defines
// it either, so this is written fresh against the test's contract) and
// jwt_service.py / chat_service.py's httpx client reuse.
package repository

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
)

// reqClientOptions distinguishes one pooled client from another. Two
// requests that differ only in ForceHTTP2 or Impersonate must never share a
// connection pool, since those settings change how the transport negotiates
// TLS and protocol version.
type reqClientOptions struct {
	ProxyURL    string
	Timeout     time.Duration
	Impersonate bool
	ForceHTTP2  bool
}

var sharedReqClients sync.Map // string -> *req.Client

func buildReqClientKey(opts reqClientOptions) string {
	return fmt.Sprintf("%s|%s|%v|%v", strings.TrimSpace(opts.ProxyURL), opts.Timeout, opts.Impersonate, opts.ForceHTTP2)
}

// getSharedReqClient returns the pooled client for opts, building one on
// first use. A cache slot occupied by something other than a *req.Client
// (can't happen outside tests poking the map directly) is treated as a miss
// and rebuilt without touching the slot.
func getSharedReqClient(opts reqClientOptions) (*req.Client, error) {
	key := buildReqClientKey(opts)
	if cached, ok := sharedReqClients.Load(key); ok {
		if client, ok := cached.(*req.Client); ok {
			return client, nil
		}
		return buildReqClient(opts)
	}

	client, err := buildReqClient(opts)
	if err != nil {
		return nil, err
	}
	actual, _ := sharedReqClients.LoadOrStore(key, client)
	return actual.(*req.Client), nil
}

func buildReqClient(opts reqClientOptions) (*req.Client, error) {
	client := req.C().SetTimeout(opts.Timeout)

	if proxy := strings.TrimSpace(opts.ProxyURL); proxy != "" {
		parsed, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("req client pool: invalid proxy URL %q: %w", opts.ProxyURL, err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("req client pool: proxy URL missing host: %q", opts.ProxyURL)
		}
		client = client.SetProxyURL(proxy)
	}

	if opts.Impersonate {
		client = client.ImpersonateChrome()
	}
	if opts.ForceHTTP2 {
		client = client.EnableForceHTTP2()
	}

	return client, nil
}

// createOpenAIReqClient is kept for the one remaining caller of the
// teacher's OAuth-style token exchange pattern: a 120s timeout, no TLS
// impersonation (the endpoints it talks to aren't fingerprint-gated).
func createOpenAIReqClient(proxyURL string) (*req.Client, error) {
	return getSharedReqClient(reqClientOptions{
		ProxyURL: proxyURL,
		Timeout:  120 * time.Second,
	})
}

// createGeminiReqClient builds the client the Router sends
// widgetStreamAssist/widgetCreateSession/downloadFile requests through.
// Upstream's edge inspects the TLS fingerprint of inbound connections, so
// every call impersonates Chrome via utls rather than Go's default fingerprint.
// HTTP/2 is left to normal negotiation: forcing it tripped a GOAWAY on one of
// Upstream's fingerprint-inspecting load balancer nodes during manual testing.
func createGeminiReqClient(proxyURL string) (*req.Client, error) {
	return getSharedReqClient(reqClientOptions{
		ProxyURL:    proxyURL,
		Timeout:     120 * time.Second,
		Impersonate: true,
	})
}

// NewUpstreamClient is createGeminiReqClient's exported door: the Router
// lives in a different package and has no business reaching into the
// unexported cache internals above, only into the client it produces.
func NewUpstreamClient(proxyURL string) (*req.Client, error) {
	return createGeminiReqClient(proxyURL)
}

package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestLog records upstream requests for later assertions.
type requestLog struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *requestLog) last() *http.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqs[len(l.reqs)-1]
}

// newUpstream starts a fake replica upstream that records requests and
// echoes identifying payloads.
func newUpstream(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		clone := r.Clone(r.Context())
		clone.Body = io.NopCloser(bytes.NewReader(body))
		seen.add(clone)
		switch r.URL.Path {
		case "/api/v2/status":
			w.Header().Set("Content-Type", "application/cbor")
			_, _ = w.Write([]byte("upstream-status"))
		default:
			fmt.Fprintf(w, "upstream:%s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newTestGateway(t *testing.T, cfg Config, upstreamURL string) *Gateway {
	t.Helper()
	g, err := New(cfg, upstreamURL, nil)
	require.NoError(t, err)
	t.Cleanup(g.Shutdown)
	return g
}

func gatewayURL(g *Gateway) string {
	return fmt.Sprintf("http://127.0.0.1:%d", g.Port())
}

func TestNewGatewayPicksPort(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)
	assert.NotZero(t, g.Port())
}

func TestNewGatewayUnreachableUpstream(t *testing.T) {
	_, err := New(Config{}, "http://127.0.0.1:1/", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root key")
}

func TestNewGatewayBindFailure(t *testing.T) {
	upstream, _ := newUpstream(t)

	// Occupy a port, then ask the gateway for the same one.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := uint16(l.Addr().(*net.TCPAddr).Port)

	_, err = New(Config{Port: port}, upstream.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestStatusProxied(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	// The gateway's /api/v2/status must return the same bytes as the
	// upstream's.
	direct, err := http.Get(upstream.URL + "/api/v2/status")
	require.NoError(t, err)
	directBody, _ := io.ReadAll(direct.Body)
	direct.Body.Close()

	resp, err := http.Get(gatewayURL(g) + "/api/v2/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, directBody, body)
}

func TestCanisterCallProxied(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Post(gatewayURL(g)+"/api/v2/canister/uuc56-gyb/call", "application/cbor", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	last := seen.last()
	assert.Equal(t, "/api/v2/canister/uuc56-gyb/call", last.URL.Path)
}

func TestAPIv3CallProxied(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Post(gatewayURL(g)+"/api/v3/canister/uuc56-gyb/call", "application/cbor", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	last := seen.last()
	assert.Equal(t, "/api/v3/canister/uuc56-gyb/call", last.URL.Path)
}

func TestUnknownAPIPathIs404(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Get(gatewayURL(g) + "/api/v2/not_a_route")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCanisterRouteNoIDIs400(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Get(gatewayURL(g) + "/some/page")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "CanisterIdNotFound")
}

func TestCanisterRouteHostHeader(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	req, err := http.NewRequest(http.MethodGet, gatewayURL(g)+"/index.html", nil)
	require.NoError(t, err)
	req.Host = "uuc56-gyb.localhost"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "uuc56-gyb", resp.Header.Get("X-Ic-Canister-Id"))

	last := seen.last()
	assert.Equal(t, "/index.html", last.URL.Path)
	assert.Equal(t, "uuc56-gyb", last.Header.Get("X-Ic-Canister-Id"))
	// Verification is on for non-raw authorities.
	assert.Empty(t, last.Header.Get("X-Ic-Skip-Verification"))
}

func TestCanisterRouteRawSkipsVerification(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	req, err := http.NewRequest(http.MethodGet, gatewayURL(g)+"/asset.png", nil)
	require.NoError(t, err)
	req.Host = "uuc56-gyb.raw.localhost"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	last := seen.last()
	assert.Equal(t, "true", last.Header.Get("X-Ic-Skip-Verification"))
}

func TestCanisterRouteQueryParam(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Get(gatewayURL(g) + "/page?canisterId=uuc56-gyb")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	last := seen.last()
	assert.Equal(t, "uuc56-gyb", last.Header.Get("X-Ic-Canister-Id"))
}

func TestCanisterRouteRefererFallback(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	req, err := http.NewRequest(http.MethodGet, gatewayURL(g)+"/style.css", nil)
	require.NoError(t, err)
	req.Header.Set("Referer", "http://uuc56-gyb.localhost/index.html")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	last := seen.last()
	assert.Equal(t, "uuc56-gyb", last.Header.Get("X-Ic-Canister-Id"))

	// Referer query parameter works too.
	req2, err := http.NewRequest(http.MethodGet, gatewayURL(g)+"/style.css", nil)
	require.NoError(t, err)
	req2.Header.Set("Referer", "http://localhost/page?canisterId=uuc56-gyb")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestInternalPathRawProxied(t *testing.T) {
	upstream, seen := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Get(gatewayURL(g) + "/_/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/_/dashboard", string(body))
	last := seen.last()
	assert.Empty(t, last.Header.Get("X-Ic-Canister-Id"))
}

func TestBodyTooLargeIs413(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	big := bytes.Repeat([]byte("x"), 10*(1<<20)+1)
	req, err := http.NewRequest(http.MethodPost, gatewayURL(g)+"/upload", bytes.NewReader(big))
	require.NoError(t, err)
	req.Host = "uuc56-gyb.localhost"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	req, err := http.NewRequest(http.MethodOptions, gatewayURL(g)+"/api/v2/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "GET")
	assert.Equal(t, "600", resp.Header.Get("Access-Control-Max-Age"))
}

func TestRequestIDStamped(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, Config{}, upstream.URL)

	resp, err := http.Get(gatewayURL(g) + "/api/v2/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestShutdownDropsListener(t *testing.T) {
	upstream, _ := newUpstream(t)
	g, err := New(Config{}, upstream.URL, nil)
	require.NoError(t, err)
	port := g.Port()

	g.Shutdown()

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	assert.Error(t, err, "listener still accepting after shutdown")
}

func TestGatewayDetails(t *testing.T) {
	upstream, _ := newUpstream(t)
	instance := 0
	cfg := Config{
		ForwardTo: Backend{InstanceID: &instance},
		Domains:   []string{"localhost"},
	}
	g := newTestGateway(t, cfg, upstream.URL)
	g.SetID(2)

	details := g.Details()
	assert.Equal(t, 2, details.ID)
	assert.Equal(t, g.Port(), details.Port)
	require.NotNil(t, details.ForwardTo.InstanceID)
	assert.Equal(t, instance, *details.ForwardTo.InstanceID)
}

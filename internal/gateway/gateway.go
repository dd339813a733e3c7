// Package gateway implements the per-instance HTTP gateway: an external
// listener that proxies IC API traffic to an upstream and translates
// HTTP-to-canister requests.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/SimulatedWorld/ic/internal/constants"
	"github.com/SimulatedWorld/ic/internal/logging"
)

// Backend selects where a gateway forwards traffic: an upstream replica URL
// or a local instance id (resolved by the caller into a URL).
type Backend struct {
	ReplicaURL string `json:"replica_url,omitempty" toml:"replica_url"`
	InstanceID *int   `json:"instance_id,omitempty" toml:"instance_id"`
}

// HTTPSConfig points at PEM-encoded certificate and key files.
type HTTPSConfig struct {
	CertPath string `json:"cert_path" toml:"cert_path"`
	KeyPath  string `json:"key_path" toml:"key_path"`
}

// Config configures a gateway.
type Config struct {
	// IPAddr is the listen address. Defaults to 127.0.0.1.
	IPAddr string `json:"ip_addr,omitempty"`
	// Port is the listen port. 0 lets the OS choose.
	Port uint16 `json:"port,omitempty"`
	// ForwardTo selects the upstream.
	ForwardTo Backend `json:"forward_to"`
	// HTTPS enables TLS when set.
	HTTPS *HTTPSConfig `json:"https_config,omitempty"`
	// Domains is the allow-list for canister-id resolution on authorities.
	// Defaults to ["localhost"].
	Domains []string `json:"domains,omitempty"`
}

// Details describes a running gateway.
type Details struct {
	ID        int          `json:"instance_id"`
	Port      uint16       `json:"port"`
	ForwardTo Backend      `json:"forward_to"`
	Domains   []string     `json:"domains,omitempty"`
	HTTPS     *HTTPSConfig `json:"https_config,omitempty"`
}

// Info identifies a freshly created gateway.
type Info struct {
	ID   int    `json:"instance_id"`
	Port uint16 `json:"port"`
}

// Gateway is a running listener. Stopping it drops in-flight connections.
type Gateway struct {
	details   Details
	server    *http.Server
	listener  net.Listener
	listening atomic.Bool
	served    chan struct{}
	logger    *logging.Logger
}

// New creates and starts a gateway forwarding to upstreamURL. It verifies
// the upstream by fetching its root key (bounded by a 10-second timeout),
// binds the listener, spawns the serving task and waits until it is
// listening.
func New(cfg Config, upstreamURL string, logger *logging.Logger) (*Gateway, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ipAddr := cfg.IPAddr
	if ipAddr == "" {
		ipAddr = "127.0.0.1"
	}
	domains := cfg.Domains
	if domains == nil {
		domains = []string{"localhost"}
	}

	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %v", upstreamURL, err)
	}
	upstream.Path = strings.TrimSuffix(upstream.Path, "/")

	client := &http.Client{}
	if err := fetchRootKey(client, upstreamURL); err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.HTTPS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.HTTPS.CertPath, cfg.HTTPS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("TLS config could not be created: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	addr := fmt.Sprintf("%s:%d", ipAddr, cfg.Port)
	lc := net.ListenConfig{Control: reuseAddr}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("Failed to bind to address %s: %v", addr, err)
	}

	state := &handlerState{
		upstream: upstream,
		client:   client,
		resolver: NewDomainResolver(domains),
		logger:   logger,
	}

	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	g := &Gateway{
		details: Details{
			Port:      port,
			ForwardTo: cfg.ForwardTo,
			Domains:   cfg.Domains,
			HTTPS:     cfg.HTTPS,
		},
		server:   &http.Server{Handler: state.routes(), TLSConfig: tlsConfig},
		listener: listener,
		served:   make(chan struct{}),
		logger:   logger.With("port", port),
	}

	go g.serve(tlsConfig != nil)

	// Wait until the serving task reports it is listening.
	for !g.listening.Load() {
		time.Sleep(constants.ListeningPollInterval)
	}

	return g, nil
}

func (g *Gateway) serve(useTLS bool) {
	defer close(g.served)
	g.listening.Store(true)
	var err error
	if useTLS {
		err = g.server.ServeTLS(g.listener, "", "")
	} else {
		err = g.server.Serve(g.listener)
	}
	if err != nil && err != http.ErrServerClosed {
		g.logger.Warn("gateway serving task exited", "error", err)
	}
	g.logger.Debug("terminating HTTP gateway")
}

// Port returns the real bound port.
func (g *Gateway) Port() uint16 { return g.details.Port }

// Details returns the gateway's description. The registry id is filled in by
// the registry.
func (g *Gateway) Details() Details { return g.details }

// SetID records the registry slot the gateway occupies.
func (g *Gateway) SetID(id int) { g.details.ID = id }

// Shutdown stops the listener immediately, dropping in-flight connections,
// and waits for the serving task to exit.
func (g *Gateway) Shutdown() {
	_ = g.server.Close()
	<-g.served
}

// fetchRootKey fetches and checks the upstream root key within the fetch
// timeout. A gateway is only created against a reachable upstream.
func fetchRootKey(client *http.Client, upstreamURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RootKeyFetchTimeout)
	defer cancel()

	statusURL := joinPath(upstreamURL, "/api/v2/status")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("Timed out fetching root key from %s", upstreamURL)
		}
		return fmt.Errorf("fetching root key from %s: %v", upstreamURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching root key from %s: status %d", upstreamURL, resp.StatusCode)
	}
	return nil
}

// reuseAddr marks the listening socket SO_REUSEADDR so quickly recreated
// gateways can rebind their previous port.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

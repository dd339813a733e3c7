package ic

import (
	"fmt"

	"github.com/SimulatedWorld/ic/internal/gateway"
)

// Re-exported gateway configuration types.
type (
	HTTPGatewayConfig  = gateway.Config
	HTTPGatewayBackend = gateway.Backend
	HTTPGatewayDetails = gateway.Details
	HTTPGatewayInfo    = gateway.Info
	HTTPSConfig        = gateway.HTTPSConfig
)

// gatewayEntry occupies one registry slot. A nil entry marks a stopped
// gateway; slots are never compacted so gateway ids stay stable.
type gatewayEntry struct {
	gw *gateway.Gateway
}

// CreateHTTPGateway starts an HTTP gateway per the config and registers it.
// Forwarding to a local instance requires the orchestrator's own port to be
// configured.
func (o *Orchestrator) CreateHTTPGateway(cfg HTTPGatewayConfig) (HTTPGatewayInfo, error) {
	upstreamURL := cfg.ForwardTo.ReplicaURL
	if upstreamURL == "" {
		if cfg.ForwardTo.InstanceID == nil {
			return HTTPGatewayInfo{}, NewError("create_http_gateway", CodeNotConfigured, "forward_to names neither a replica URL nor an instance")
		}
		if o.port == 0 {
			return HTTPGatewayInfo{}, NewError("create_http_gateway", CodeNotConfigured, "orchestrator port unknown; cannot forward to a local instance")
		}
		upstreamURL = fmt.Sprintf("http://localhost:%d/instances/%d/", o.port, *cfg.ForwardTo.InstanceID)
	}

	gw, err := gateway.New(cfg, upstreamURL, o.logger)
	if err != nil {
		return HTTPGatewayInfo{}, err
	}

	o.gatewaysMu.Lock()
	id := len(o.gateways)
	gw.SetID(id)
	o.gateways = append(o.gateways, &gatewayEntry{gw: gw})
	o.gatewaysMu.Unlock()

	o.logger.Info("HTTP gateway created", "id", id, "port", gw.Port())
	return HTTPGatewayInfo{ID: id, Port: gw.Port()}, nil
}

// StopHTTPGateway shuts the gateway down and frees its slot. Unknown ids and
// already stopped gateways are ignored.
func (o *Orchestrator) StopHTTPGateway(id int) {
	o.gatewaysMu.Lock()
	var gw *gateway.Gateway
	if id >= 0 && id < len(o.gateways) && o.gateways[id] != nil {
		gw = o.gateways[id].gw
		o.gateways[id] = nil
	}
	o.gatewaysMu.Unlock()
	if gw != nil {
		gw.Shutdown()
	}
}

// StopAllHTTPGateways shuts down every running gateway.
func (o *Orchestrator) StopAllHTTPGateways() {
	o.gatewaysMu.Lock()
	var gws []*gateway.Gateway
	for i, entry := range o.gateways {
		if entry != nil {
			gws = append(gws, entry.gw)
			o.gateways[i] = nil
		}
	}
	o.gatewaysMu.Unlock()
	for _, gw := range gws {
		gw.Shutdown()
	}
}

// ListHTTPGateways describes all running gateways.
func (o *Orchestrator) ListHTTPGateways() []HTTPGatewayDetails {
	o.gatewaysMu.RLock()
	defer o.gatewaysMu.RUnlock()
	var details []HTTPGatewayDetails
	for _, entry := range o.gateways {
		if entry != nil {
			details = append(details, entry.gw.Details())
		}
	}
	return details
}

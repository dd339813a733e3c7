// Package server exposes the orchestrator's dispatch API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	ic "github.com/SimulatedWorld/ic"
	"github.com/SimulatedWorld/ic/internal/logging"
	"github.com/SimulatedWorld/ic/replica"
)

// Server translates HTTP requests into orchestrator calls.
type Server struct {
	orch    *ic.Orchestrator
	metrics *ic.Metrics
	logger  *logging.Logger
}

// New creates a server for the orchestrator. metrics may be nil.
func New(orch *ic.Orchestrator, metrics *ic.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{orch: orch, metrics: metrics, logger: logger}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/status", s.status)
	router.GET("/metrics", s.metricsSnapshot)

	router.POST("/instances", s.createInstance)
	router.GET("/instances", s.listInstances)
	router.DELETE("/instances", s.deleteAllInstances)
	router.DELETE("/instances/:id", s.deleteInstance)

	router.POST("/instances/:id/update/:op", s.update)
	router.GET("/read_graph/:state_label/:op_id", s.readGraph)

	router.POST("/instances/:id/auto_progress", s.autoProgress)
	router.GET("/instances/:id/auto_progress", s.getAutoProgress)
	router.POST("/instances/:id/stop_progress", s.stopProgress)

	router.POST("/http_gateway", s.createHTTPGateway)
	router.GET("/http_gateway", s.listHTTPGateways)
	router.DELETE("/http_gateway/:id", s.stopHTTPGateway)

	// Per-instance IC API surface, as seen by HTTP gateways.
	router.GET("/instances/:id/api/v2/status", s.instanceStatus)
	router.POST("/instances/:id/api/v2/canister/:principal/query", s.instanceCanisterCall)
	router.POST("/instances/:id/api/v2/canister/:principal/call", s.instanceCanisterCall)
	router.POST("/instances/:id/api/v2/canister/:principal/read_state", s.instanceCanisterCall)
	router.POST("/instances/:id/api/v3/canister/:principal/call", s.instanceCanisterCall)

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Message string `json:"message"`
}

// writeDispatchError maps orchestrator errors onto HTTP statuses, keeping
// the client-visible message intact.
func writeDispatchError(w http.ResponseWriter, err error) {
	var e *ic.Error
	if errors.As(err, &e) {
		switch e.Code {
		case ic.CodeInstanceNotFound:
			writeJSON(w, http.StatusNotFound, errorBody{Message: e.Message()})
			return
		case ic.CodeInstanceDeleted:
			writeJSON(w, http.StatusGone, errorBody{Message: e.Message()})
			return
		case ic.CodeAlreadyEnabled:
			writeJSON(w, http.StatusConflict, errorBody{Message: e.Message()})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Message: err.Error()})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metricsSnapshot(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.metrics == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "metrics not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type createInstanceResponse struct {
	InstanceID int         `json:"instance_id"`
	Topology   ic.Topology `json:"topology"`
}

func (s *Server) createInstance(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	id, topology, err := s.orch.AddInstance(func(seed uint64) (ic.Instance, error) {
		return replica.New(seed), nil
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createInstanceResponse{InstanceID: id, Topology: topology})
}

func (s *Server) listInstances(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.orch.ListInstanceStates())
}

func (s *Server) deleteInstance(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	if err := s.orch.DeleteInstance(id); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteAllInstances(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.orch.DeleteAllInstances()
	w.WriteHeader(http.StatusOK)
}

type inProgressResponse struct {
	StateLabel string `json:"state_label"`
	OpID       string `json:"op_id"`
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	op, err := opFromRequest(p.ByName("op"), r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error()})
		return
	}
	reply, err := s.orch.Update(op, id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	switch rep := reply.(type) {
	case ic.Output:
		writeJSON(w, http.StatusOK, map[string]any{"output": encodeOpOut(rep.Out)})
	case ic.Started:
		writeJSON(w, http.StatusAccepted, inProgressResponse{
			StateLabel: rep.StateLabel.String(),
			OpID:       string(rep.OpID),
		})
	case ic.Busy:
		writeJSON(w, http.StatusConflict, inProgressResponse{
			StateLabel: rep.StateLabel.String(),
			OpID:       string(rep.OpID),
		})
	}
}

type readGraphResponse struct {
	StateLabel string `json:"state_label"`
	Output     any    `json:"output"`
}

func (s *Server) readGraph(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	labelBytes, err := decodeStateLabel(p.ByName("state_label"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error()})
		return
	}
	newLabel, out, ok := s.orch.ReadGraph(labelBytes, ic.OpId(p.ByName("op_id")))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "no result for this (state, op) pair yet"})
		return
	}
	writeJSON(w, http.StatusOK, readGraphResponse{
		StateLabel: newLabel.String(),
		Output:     encodeOpOut(out),
	})
}

type autoProgressRequest struct {
	ArtificialDelayMs uint64 `json:"artificial_delay_ms"`
}

func (s *Server) autoProgress(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	var req autoProgressRequest
	if r.Body != nil {
		// An empty body means no artificial delay.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.orch.AutoProgress(id, msToDuration(req.ArtificialDelayMs)); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getAutoProgress(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.orch.GetAutoProgress(id)})
}

func (s *Server) stopProgress(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	s.orch.StopProgress(id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) createHTTPGateway(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cfg ic.HTTPGatewayConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error()})
		return
	}
	info, err := s.orch.CreateHTTPGateway(cfg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) listHTTPGateways(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	details := s.orch.ListHTTPGateways()
	if details == nil {
		details = []ic.HTTPGatewayDetails{}
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) stopHTTPGateway(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	s.orch.StopHTTPGateway(id)
	w.WriteHeader(http.StatusOK)
}

// instanceStatus answers the per-instance IC status endpoint consumed by
// gateways fetching the root key.
func (s *Server) instanceStatus(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	if id < 0 || id >= s.orch.NumInstances() {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "Instance not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"replica_health_status": "healthy",
		"instance_id":           id,
	})
}

// instanceCanisterCall serves gateway-forwarded canister API traffic by
// dispatching a canister HTTP call operation through the orchestrator.
func (s *Server) instanceCanisterCall(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, ok := instanceID(w, p)
	if !ok {
		return
	}
	op := replica.CanisterHTTPCall{
		Canister: ic.CanisterID(p.ByName("principal")),
		Path:     r.URL.Path,
	}
	reply, err := s.orch.Update(op, id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	switch rep := reply.(type) {
	case ic.Output:
		if rep.Out.Kind != ic.KindRawResponse {
			writeJSON(w, http.StatusInternalServerError, errorBody{Message: rep.Out.String()})
			return
		}
		if status, _, body, resolved := rep.Out.RawResponse.Peek(); resolved {
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case ic.Started:
		writeJSON(w, http.StatusAccepted, inProgressResponse{
			StateLabel: rep.StateLabel.String(),
			OpID:       string(rep.OpID),
		})
	case ic.Busy:
		writeJSON(w, http.StatusConflict, inProgressResponse{
			StateLabel: rep.StateLabel.String(),
			OpID:       string(rep.OpID),
		})
	}
}

func decodeStateLabel(s string) (ic.StateLabel, error) {
	return stateLabelFromHex(s)
}

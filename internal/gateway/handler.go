package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/SimulatedWorld/ic/internal/constants"
	"github.com/SimulatedWorld/ic/internal/logging"
)

// Header carrying the resolved canister id on forwarded requests and
// responses.
const headerCanisterID = "X-Ic-Canister-Id"

// errorKind categorizes request processing failures.
type errorKind uint8

const (
	errKindBodyTooLarge errorKind = iota
	errKindBodyTimeout
	errKindBodyError
	errKindConnectionFailure
	errKindCanisterIDNotFound
	errKindOther
)

// errorCause is a categorized request processing failure.
type errorCause struct {
	kind    errorKind
	details string
}

func (e errorCause) statusCode() int {
	switch e.kind {
	case errKindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case errKindBodyTimeout:
		return http.StatusRequestTimeout
	case errKindBodyError:
		return http.StatusBadRequest
	case errKindConnectionFailure:
		return http.StatusBadGateway
	case errKindCanisterIDNotFound:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (e errorCause) String() string {
	var name string
	switch e.kind {
	case errKindBodyTooLarge:
		name = "ClientBodyTooLarge"
	case errKindBodyTimeout:
		name = "ClientBodyTimeout"
	case errKindBodyError:
		name = "ClientBodyError"
	case errKindConnectionFailure:
		name = "ConnectionFailure"
	case errKindCanisterIDNotFound:
		name = "CanisterIdNotFound"
	default:
		name = "Other"
	}
	if e.details != "" {
		return fmt.Sprintf("%s: %s", name, e.details)
	}
	return name
}

func (e errorCause) write(w http.ResponseWriter) {
	http.Error(w, e.String(), e.statusCode())
}

// causeFromBodyError maps bufferBody failures onto error causes.
func causeFromBodyError(err error) errorCause {
	switch err {
	case errBodyTooLarge:
		return errorCause{kind: errKindBodyTooLarge}
	case errBodyTimeout:
		return errorCause{kind: errKindBodyTimeout}
	default:
		return errorCause{kind: errKindBodyError, details: err.Error()}
	}
}

// handlerState is the shared state of all gateway routes.
type handlerState struct {
	upstream *url.URL
	client   *http.Client
	resolver *DomainResolver
	logger   *logging.Logger
}

// routes assembles the gateway's handler tree:
//
//   - /api/v2/** and /api/v3/canister/{p}/call are CORS-wrapped reverse
//     proxies to the upstream,
//   - every other path goes to the HTTP-to-canister handler,
//   - except /_/ paths without a resolvable canister id, which are proxied
//     raw.
func (s *handlerState) routes() http.Handler {
	proxy := s.reverseProxy()

	router := httprouter.New()
	corsPost := corsAPILayer(http.MethodPost)
	corsGet := corsAPILayer(http.MethodHead, http.MethodGet)

	apiPost := func(path string) {
		h := corsPost.Handler(proxy)
		router.Handler(http.MethodPost, path, h)
		router.Handler(http.MethodOptions, path, h)
	}
	apiPost("/api/v2/canister/:principal/query")
	apiPost("/api/v2/canister/:principal/call")
	apiPost("/api/v2/canister/:principal/read_state")
	apiPost("/api/v2/subnet/:principal/read_state")
	apiPost("/api/v3/canister/:principal/call")

	statusHandler := corsGet.Handler(proxy)
	router.Handler(http.MethodGet, "/api/v2/status", statusHandler)
	router.Handler(http.MethodHead, "/api/v2/status", statusHandler)
	router.Handler(http.MethodOptions, "/api/v2/status", statusHandler)

	canister := corsCanisterLayer(
		http.MethodHead, http.MethodGet, http.MethodPost,
		http.MethodPut, http.MethodDelete, http.MethodPatch,
	).Handler(http.HandlerFunc(s.canisterHandler))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unmatched API paths are not canister traffic.
		if strings.HasPrefix(r.URL.Path, "/api/v2/") || strings.HasPrefix(r.URL.Path, "/api/v3/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		canister.ServeHTTP(w, r)
	})

	return requestID(router)
}

// requestID stamps every response with a fresh x-request-id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		r.Header.Set("X-Request-Id", id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// reverseProxy forwards a request to the upstream, preserving path and query
// below the upstream's base path.
func (s *handlerState) reverseProxy() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.upstream)
			pr.SetXForwarded()
		},
		Transport: s.client.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("upstream proxy failed", "path", r.URL.Path, "error", err)
			errorCause{kind: errKindConnectionFailure, details: err.Error()}.write(w)
		},
	}
}

// canisterHandler is the HTTP-to-canister route. It extracts a canister id
// from (in order) the resolver on the authority, the Host header, the
// canisterId query parameter, the Referer host and the Referer query
// parameter, buffers the body and forwards the request to the upstream.
func (s *handlerState) canisterHandler(w http.ResponseWriter, r *http.Request) {
	lookup, resolved := s.resolver.Resolve(extractAuthority(r))

	canisterID := CanisterID{}
	verify := true
	if resolved {
		canisterID = lookup.CanisterID
		verify = lookup.Verify
	}
	if canisterID.IsZero() {
		canisterID = hostHeaderCanisterID(r)
	}
	if canisterID.IsZero() {
		canisterID = queryParamCanisterID(r.URL)
	}
	if canisterID.IsZero() {
		if ref := refererCanisterID(r); !ref.IsZero() {
			canisterID = ref
		}
	}

	if canisterID.IsZero() {
		// Internal paths without a resolvable canister id go straight to the
		// upstream.
		if strings.HasPrefix(r.URL.Path, "/_/") {
			s.rawProxy(w, r)
			return
		}
		errorCause{kind: errKindCanisterIDNotFound}.write(w)
		return
	}

	body, err := bufferBody(r.Body, constants.MaxRequestBodySize, constants.BodyReadTimeout)
	if err != nil {
		causeFromBodyError(err).write(w)
		return
	}

	s.forwardCanisterRequest(w, r, canisterID, verify, body)
}

// rawProxy forwards the request to the upstream unchanged.
func (s *handlerState) rawProxy(w http.ResponseWriter, r *http.Request) {
	target := *s.upstream
	target.Path = joinPath(s.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		errorCause{kind: errKindOther, details: err.Error()}.write(w)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := s.client.Do(req)
	if err != nil {
		errorCause{kind: errKindConnectionFailure, details: err.Error()}.write(w)
		return
	}
	defer resp.Body.Close()
	copyResponse(w, resp)
}

// forwardCanisterRequest sends the buffered request upstream on behalf of
// the resolved canister.
func (s *handlerState) forwardCanisterRequest(w http.ResponseWriter, r *http.Request, id CanisterID, verify bool, body []byte) {
	target := *s.upstream
	target.Path = joinPath(s.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		errorCause{kind: errKindOther, details: err.Error()}.write(w)
		return
	}
	req.Header = r.Header.Clone()
	req.Header.Set(headerCanisterID, id.String())
	if !verify {
		// Raw domains skip response verification.
		req.Header.Set("X-Ic-Skip-Verification", "true")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		errorCause{kind: errKindConnectionFailure, details: err.Error()}.write(w)
		return
	}
	defer resp.Body.Close()
	w.Header().Set(headerCanisterID, id.String())
	copyResponse(w, resp)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func joinPath(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// extractAuthority returns the request authority: the URL host for HTTP/2
// style requests, the Host header otherwise.
func extractAuthority(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

// hostHeaderCanisterID parses the leftmost Host label as a canister id.
func hostHeaderCanisterID(r *http.Request) CanisterID {
	host := stripPort(r.Host)
	label, _, _ := strings.Cut(host, ".")
	id, err := ParseCanisterID(label)
	if err != nil {
		return CanisterID{}
	}
	return id
}

// queryParamCanisterID reads the canisterId query parameter.
func queryParamCanisterID(u *url.URL) CanisterID {
	v := u.Query().Get("canisterId")
	if v == "" {
		return CanisterID{}
	}
	id, err := ParseCanisterID(v)
	if err != nil {
		return CanisterID{}
	}
	return id
}

// refererCanisterID extracts a canister id from the Referer header, first
// from its host and then from its canisterId query parameter.
func refererCanisterID(r *http.Request) CanisterID {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return CanisterID{}
	}
	u, err := url.Parse(ref)
	if err != nil {
		return CanisterID{}
	}
	label, _, _ := strings.Cut(stripPort(u.Host), ".")
	if id, err := ParseCanisterID(label); err == nil {
		return id
	}
	return queryParamCanisterID(u)
}

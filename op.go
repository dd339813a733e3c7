package ic

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Instance is a single simulated replica-network. The orchestrator treats it
// as opaque except for its state label and externally visible topology;
// everything else is reached through the Operation contract.
type Instance interface {
	// StateLabel returns the label of the instance's current state.
	StateLabel() StateLabel

	// BumpStateLabel advances the label by one. The orchestrator calls this
	// exactly once per completed operation.
	BumpStateLabel()

	// Topology returns the instance's externally visible topology.
	Topology() Topology
}

// Operation is a deterministic action against an instance.
//
// Id must be pure, cheap and stable. Compute may be expensive and may block
// the hosting OS thread. For any instance at label L, Compute must be a pure
// function of L and the operation's internal data: a second execution of the
// same OpId on an instance at the same L must yield the same label advance
// and the same OpOut. The orchestrator relies on this to make its result
// cache sound.
type Operation interface {
	Id() OpId
	Compute(inst Instance) OpOut
}

// Identifier types for entities living inside an instance. They are opaque
// to the orchestrator.
type (
	CanisterID  string
	SubnetID    string
	PrincipalID string
	NodeID      string
)

// SubnetKind classifies a subnet within an instance's topology.
type SubnetKind string

const (
	SubnetKindApplication SubnetKind = "Application"
	SubnetKindSystem      SubnetKind = "System"
	SubnetKindNNS         SubnetKind = "NNS"
)

// SubnetConfig describes one subnet of an instance.
type SubnetConfig struct {
	ID    SubnetID   `json:"subnet_id"`
	Kind  SubnetKind `json:"subnet_kind"`
	Nodes []NodeID   `json:"node_ids"`
}

// Topology is the externally visible shape of an instance.
type Topology struct {
	Subnets       []SubnetConfig `json:"subnets"`
	DefaultSubnet SubnetID       `json:"default_subnet"`
}

// EffectivePrincipalKind discriminates EffectivePrincipal.
type EffectivePrincipalKind uint8

const (
	EffectivePrincipalNone EffectivePrincipalKind = iota
	EffectivePrincipalSubnet
	EffectivePrincipalCanister
)

// EffectivePrincipal routes an ingress message to a subnet or canister.
type EffectivePrincipal struct {
	Kind     EffectivePrincipalKind
	Subnet   SubnetID
	Canister CanisterID
}

func (p EffectivePrincipal) String() string {
	switch p.Kind {
	case EffectivePrincipalSubnet:
		return fmt.Sprintf("SubnetId(%s)", p.Subnet)
	case EffectivePrincipalCanister:
		return fmt.Sprintf("CanisterId(%s)", p.Canister)
	default:
		return "None"
	}
}

// MessageID identifies a submitted ingress message.
type MessageID struct {
	EffectivePrincipal EffectivePrincipal
	ID                 []byte
}

// RejectResponse carries the reject path of a canister call result.
type RejectResponse struct {
	Code    uint64 `json:"reject_code"`
	Message string `json:"reject_message"`
}

// CanisterResult is the outcome of an ingress message: payload bytes on
// success, a reject response otherwise.
type CanisterResult struct {
	Ok     []byte
	Reject *RejectResponse
}

// CanisterHttpRequest is one pending outbound HTTP request made by a
// canister, awaiting a (mocked) response.
type CanisterHttpRequest struct {
	SubnetID   SubnetID             `json:"subnet_id"`
	RequestID  uint64               `json:"request_id"`
	CanisterID CanisterID           `json:"canister_id"`
	URL        string               `json:"url"`
	Method     string               `json:"http_method"`
	Headers    []CanisterHttpHeader `json:"headers"`
	Body       []byte               `json:"body"`
}

// CanisterHttpHeader is a single header of a canister HTTP request.
type CanisterHttpHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawResponse is a shared handle on an asynchronous HTTP response. It is
// resolved at most once; clones share the underlying result.
type RawResponse struct {
	mu      sync.Mutex
	done    chan struct{}
	status  int
	headers http.Header
	body    []byte
}

// NewRawResponse returns an unresolved response handle.
func NewRawResponse() *RawResponse {
	return &RawResponse{done: make(chan struct{})}
}

// Resolve publishes the response. Resolving twice is a no-op.
func (r *RawResponse) Resolve(status int, headers http.Header, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.status = status
	r.headers = headers
	r.body = body
	close(r.done)
}

// Peek returns the response if it has been resolved.
func (r *RawResponse) Peek() (status int, headers http.Header, body []byte, ok bool) {
	select {
	case <-r.done:
		return r.status, r.headers, r.body, true
	default:
		return 0, nil, nil, false
	}
}

// Done exposes the resolution signal for callers that want to await it.
func (r *RawResponse) Done() <-chan struct{} { return r.done }

// OpOutKind discriminates OpOut.
type OpOutKind uint8

const (
	KindNoOutput OpOutKind = iota
	KindTime
	KindCanisterResult
	KindCanisterID
	KindControllers
	KindCycles
	KindBytes
	KindStableMemBytes
	KindMaybeSubnetID
	KindError
	KindRawResponse
	KindMessageID
	KindTopology
	KindCanisterHttp
)

// OpOut is the tagged result of an operation. Values are cheap to copy:
// large payloads are held behind shared slices and pointers and are never
// mutated once published.
type OpOut struct {
	Kind OpOutKind

	Time           uint64
	CanisterResult *CanisterResult
	CanisterID     CanisterID
	Controllers    []PrincipalID
	Cycles         *big.Int
	Bytes          []byte
	SubnetID       *SubnetID
	Err            *OpError
	RawResponse    *RawResponse
	MessageID      *MessageID
	Topology       *Topology
	CanisterHttp   []CanisterHttpRequest
}

// Constructors for the OpOut variants.

func NoOutput() OpOut                      { return OpOut{Kind: KindNoOutput} }
func TimeOutput(ns uint64) OpOut           { return OpOut{Kind: KindTime, Time: ns} }
func TimestampOutput(t time.Time) OpOut    { return TimeOutput(uint64(t.UnixNano())) }
func BytesOutput(b []byte) OpOut           { return OpOut{Kind: KindBytes, Bytes: b} }
func StableMemOutput(b []byte) OpOut       { return OpOut{Kind: KindStableMemBytes, Bytes: b} }
func CanisterIDOutput(id CanisterID) OpOut { return OpOut{Kind: KindCanisterID, CanisterID: id} }
func TopologyOutput(t *Topology) OpOut     { return OpOut{Kind: KindTopology, Topology: t} }

func CanisterResultOutput(res CanisterResult) OpOut {
	return OpOut{Kind: KindCanisterResult, CanisterResult: &res}
}

func ControllersOutput(cs []PrincipalID) OpOut {
	return OpOut{Kind: KindControllers, Controllers: cs}
}

func CyclesOutput(c *big.Int) OpOut {
	return OpOut{Kind: KindCycles, Cycles: c}
}

func MaybeSubnetOutput(id *SubnetID) OpOut {
	return OpOut{Kind: KindMaybeSubnetID, SubnetID: id}
}

func ErrorOutput(e *OpError) OpOut {
	return OpOut{Kind: KindError, Err: e}
}

func RawResponseOutput(r *RawResponse) OpOut {
	return OpOut{Kind: KindRawResponse, RawResponse: r}
}

func MessageIDOutput(p EffectivePrincipal, id []byte) OpOut {
	return OpOut{Kind: KindMessageID, MessageID: &MessageID{EffectivePrincipal: p, ID: id}}
}

func CanisterHttpOutput(reqs []CanisterHttpRequest) OpOut {
	return OpOut{Kind: KindCanisterHttp, CanisterHttp: reqs}
}

// IsError reports whether the output carries an operation error.
func (o OpOut) IsError() bool { return o.Kind == KindError }

// String renders a deterministic display form for logs.
func (o OpOut) String() string {
	switch o.Kind {
	case KindNoOutput:
		return "NoOutput"
	case KindTime:
		return fmt.Sprintf("Time(%d)", o.Time)
	case KindCanisterResult:
		if o.CanisterResult.Reject != nil {
			return fmt.Sprintf("CanisterResult: Err(%d: %s)", o.CanisterResult.Reject.Code, o.CanisterResult.Reject.Message)
		}
		return fmt.Sprintf("CanisterResult: Ok(%s)", base64.StdEncoding.EncodeToString(o.CanisterResult.Ok))
	case KindCanisterID:
		return fmt.Sprintf("CanisterId(%s)", o.CanisterID)
	case KindControllers:
		parts := make([]string, len(o.Controllers))
		for i, c := range o.Controllers {
			parts[i] = string(c)
		}
		return fmt.Sprintf("Controllers(%s)", strings.Join(parts, ","))
	case KindCycles:
		return fmt.Sprintf("Cycles(%s)", o.Cycles.String())
	case KindBytes:
		return fmt.Sprintf("Bytes(%s)", base64.StdEncoding.EncodeToString(o.Bytes))
	case KindStableMemBytes:
		return fmt.Sprintf("StableMemory(%s)", base64.StdEncoding.EncodeToString(o.Bytes))
	case KindMaybeSubnetID:
		if o.SubnetID == nil {
			return "NoSubnetId"
		}
		return fmt.Sprintf("SubnetId(%s)", *o.SubnetID)
	case KindError:
		return o.Err.String()
	case KindRawResponse:
		if status, _, body, ok := o.RawResponse.Peek(); ok {
			return fmt.Sprintf("ApiResp(%d:%s)", status, base64.StdEncoding.EncodeToString(body))
		}
		return "ApiResp(pending)"
	case KindMessageID:
		return fmt.Sprintf("MessageId(%s,%s)", o.MessageID.EffectivePrincipal, hex.EncodeToString(o.MessageID.ID))
	case KindTopology:
		return fmt.Sprintf("Topology(%d subnets)", len(o.Topology.Subnets))
	case KindCanisterHttp:
		return fmt.Sprintf("CanisterHttp(%d)", len(o.CanisterHttp))
	default:
		return fmt.Sprintf("OpOut(kind=%d)", o.Kind)
	}
}

// Package replica provides an in-memory deterministic simulated
// replica-network implementing the orchestrator's Instance contract, plus
// the standard operations against it.
package replica

import (
	"fmt"
	"math/big"
	"sync"

	ic "github.com/SimulatedWorld/ic"
)

// nodesPerSubnet is the node count of the simulated subnet.
const nodesPerSubnet = 4

// canister is the per-canister state.
type canister struct {
	controllers  []ic.PrincipalID
	cycles       *big.Int
	stableMemory []byte
	installed    bool
}

func (c *canister) isController(p ic.PrincipalID) bool {
	for _, ctrl := range c.controllers {
		if ctrl == p {
			return true
		}
	}
	return false
}

// ingressMessage tracks a submitted ingress message until it is executed.
type ingressMessage struct {
	canister ic.CanisterID
	method   string
	payload  []byte
	executed bool
	result   ic.CanisterResult
}

// httpRequest is a pending outbound canister HTTP request, optionally
// holding mocked responses until the next processing round.
type httpRequest struct {
	request ic.CanisterHttpRequest
	mocked  [][]byte
}

// Replica is an in-memory simulated replica-network. All mutation goes
// through operations; the orchestrator serializes those per instance.
type Replica struct {
	mu sync.Mutex

	label    ic.StateLabel
	topology ic.Topology

	timeNs      uint64
	certifiedNs uint64

	nextCanisterIdx uint64
	canisters       map[ic.CanisterID]*canister
	subnetOf        map[ic.CanisterID]ic.SubnetID

	nextMessageIdx uint64
	messages       map[string]*ingressMessage

	nextHTTPRequestID uint64
	pendingHTTP       map[uint64]*httpRequest

	blockmaker  ic.NodeID
	failedNodes []ic.NodeID
}

// New creates a replica seeded with the given value. The seed determines the
// initial state label and the topology identifiers, so two replicas of
// distinct seeds never share a label.
func New(seed uint64) *Replica {
	subnetID := ic.SubnetID(fmt.Sprintf("subnet-%d", seed))
	nodes := make([]ic.NodeID, nodesPerSubnet)
	for i := range nodes {
		nodes[i] = ic.NodeID(fmt.Sprintf("node-%d-%d", seed, i))
	}
	return &Replica{
		label: ic.NewStateLabel(seed),
		topology: ic.Topology{
			Subnets: []ic.SubnetConfig{{
				ID:    subnetID,
				Kind:  ic.SubnetKindApplication,
				Nodes: nodes,
			}},
			DefaultSubnet: subnetID,
		},
		canisters:   make(map[ic.CanisterID]*canister),
		subnetOf:    make(map[ic.CanisterID]ic.SubnetID),
		messages:    make(map[string]*ingressMessage),
		pendingHTTP: make(map[uint64]*httpRequest),
	}
}

// StateLabel implements the Instance interface.
func (r *Replica) StateLabel() ic.StateLabel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.label
}

// BumpStateLabel implements the Instance interface.
func (r *Replica) BumpStateLabel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.label.Bump()
}

// Topology implements the Instance interface.
func (r *Replica) Topology() ic.Topology {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topology
}

// TimeNs returns the replica's current time (for tests).
func (r *Replica) TimeNs() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeNs
}

// hasNode reports whether the topology contains the node.
func (r *Replica) hasNode(id ic.NodeID) bool {
	for _, subnet := range r.topology.Subnets {
		for _, n := range subnet.Nodes {
			if n == id {
				return true
			}
		}
	}
	return false
}

// hasSubnet reports whether the topology contains the subnet.
func (r *Replica) hasSubnet(id ic.SubnetID) bool {
	for _, subnet := range r.topology.Subnets {
		if subnet.ID == id {
			return true
		}
	}
	return false
}

// executeRound runs one round: every unexecuted ingress message is executed
// in submission order. Rounds are a pure function of the replica state.
func (r *Replica) executeRound() {
	for i := uint64(0); i < r.nextMessageIdx; i++ {
		msg, ok := r.messages[messageKey(i)]
		if !ok || msg.executed {
			continue
		}
		msg.executed = true
		msg.result = r.executeMessage(msg)
	}
}

// executeMessage runs a single ingress message against its canister.
//
// The simulated canister behaviour is deterministic: method "reject"
// produces a canister reject, method "fetch" enqueues an outbound HTTP
// request for the payload URL, anything else echoes the payload.
func (r *Replica) executeMessage(msg *ingressMessage) ic.CanisterResult {
	c, ok := r.canisters[msg.canister]
	if !ok || !c.installed {
		return ic.CanisterResult{Reject: &ic.RejectResponse{
			Code:    rejectCodeDestinationInvalid,
			Message: fmt.Sprintf("canister %s has no module installed", msg.canister),
		}}
	}
	switch msg.method {
	case "reject":
		return ic.CanisterResult{Reject: &ic.RejectResponse{
			Code:    rejectCodeCanisterReject,
			Message: string(msg.payload),
		}}
	case "fetch":
		id := r.nextHTTPRequestID
		r.nextHTTPRequestID++
		r.pendingHTTP[id] = &httpRequest{request: ic.CanisterHttpRequest{
			SubnetID:   r.topology.DefaultSubnet,
			RequestID:  id,
			CanisterID: msg.canister,
			URL:        string(msg.payload),
			Method:     "GET",
		}}
		return ic.CanisterResult{Ok: []byte(fmt.Sprintf("request %d", id))}
	default:
		return ic.CanisterResult{Ok: msg.payload}
	}
}

func messageKey(idx uint64) string {
	return fmt.Sprintf("msg-%d", idx)
}

// Compile-time interface check
var _ ic.Instance = (*Replica)(nil)

package replica

import (
	"fmt"
	"net/http"

	ic "github.com/SimulatedWorld/ic"
)

// SubmitIngress submits an ingress message for execution in a later round
// and returns its message id.
type SubmitIngress struct {
	Sender             ic.PrincipalID
	EffectivePrincipal ic.EffectivePrincipal
	Canister           ic.CanisterID
	Method             string
	Payload            []byte
}

func (op SubmitIngress) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("submit_ingress_%s_%s_%s_%x",
		op.Sender, op.Canister, op.Method, payloadDigest(op.Payload)))
}

func (op SubmitIngress) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		if op.Method == "" {
			return ic.ErrorOutput(&ic.OpError{
				Kind:    ic.ErrBadIngressMessage,
				Message: "ingress message has an empty method",
			})
		}
		switch op.EffectivePrincipal.Kind {
		case ic.EffectivePrincipalSubnet:
			if !r.hasSubnet(op.EffectivePrincipal.Subnet) {
				return ic.ErrorOutput(&ic.OpError{
					Kind:     ic.ErrSubnetNotFound,
					SubnetID: op.EffectivePrincipal.Subnet,
				})
			}
		case ic.EffectivePrincipalCanister:
			if op.EffectivePrincipal.Canister != op.Canister {
				return ic.ErrorOutput(&ic.OpError{
					Kind: ic.ErrRequestRoutingError,
					Message: fmt.Sprintf("effective canister %s does not match target %s",
						op.EffectivePrincipal.Canister, op.Canister),
				})
			}
		}
		if _, ok := r.canisters[op.Canister]; !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}

		key := messageKey(r.nextMessageIdx)
		r.nextMessageIdx++
		r.messages[key] = &ingressMessage{
			canister: op.Canister,
			method:   op.Method,
			payload:  op.Payload,
		}
		return ic.MessageIDOutput(op.EffectivePrincipal, []byte(key))
	})
}

// AwaitIngress executes rounds until the message has a result and returns
// it.
type AwaitIngress struct {
	MessageID []byte
}

func (op AwaitIngress) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("await_ingress_%s", op.MessageID))
}

func (op AwaitIngress) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		msg, ok := r.messages[string(op.MessageID)]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{
				Kind:    ic.ErrBadIngressMessage,
				Message: fmt.Sprintf("unknown message id %s", op.MessageID),
			})
		}
		if !msg.executed {
			r.executeRound()
		}
		return ic.CanisterResultOutput(msg.result)
	})
}

// CanisterHTTPCall performs the canister's HTTP interface synchronously and
// returns a shared response handle.
type CanisterHTTPCall struct {
	Canister ic.CanisterID
	Path     string
}

func (op CanisterHTTPCall) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("canister_http_call_%s_%x", op.Canister, payloadDigest([]byte(op.Path))))
}

func (op CanisterHTTPCall) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		resp := ic.NewRawResponse()
		c, ok := r.canisters[op.Canister]
		switch {
		case !ok:
			resp.Resolve(http.StatusNotFound, nil, []byte(fmt.Sprintf("canister %s not found", op.Canister)))
		case !c.installed:
			resp.Resolve(http.StatusServiceUnavailable, nil, []byte(fmt.Sprintf("canister %s is empty", op.Canister)))
		default:
			resp.Resolve(http.StatusOK, nil, []byte(op.Path))
		}
		return ic.RawResponseOutput(resp)
	})
}

// GetCanisterHttp lists the pending outbound canister HTTP requests.
type GetCanisterHttp struct{}

func (GetCanisterHttp) Id() ic.OpId { return "get_canister_http" }

func (GetCanisterHttp) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		reqs := make([]ic.CanisterHttpRequest, 0, len(r.pendingHTTP))
		for i := uint64(0); i < r.nextHTTPRequestID; i++ {
			if pending, ok := r.pendingHTTP[i]; ok {
				reqs = append(reqs, pending.request)
			}
		}
		return ic.CanisterHttpOutput(reqs)
	})
}

// MockCanisterHttpResponse is one mocked response, either a body or a
// reject.
type MockCanisterHttpResponse struct {
	Body       []byte
	RejectCode uint64
}

// MockCanisterHttp installs mocked responses for a pending outbound HTTP
// request: either a single response or one response per node of the subnet.
type MockCanisterHttp struct {
	SubnetID  ic.SubnetID
	RequestID uint64
	Responses []MockCanisterHttpResponse
}

func (op MockCanisterHttp) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("mock_canister_http_%s_%d_%d", op.SubnetID, op.RequestID, len(op.Responses)))
}

func (op MockCanisterHttp) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		pending, ok := r.pendingHTTP[op.RequestID]
		if !ok || pending.request.SubnetID != op.SubnetID {
			return ic.ErrorOutput(&ic.OpError{
				Kind:      ic.ErrInvalidCanisterHttpRequestId,
				SubnetID:  op.SubnetID,
				RequestID: op.RequestID,
			})
		}
		expected := nodesPerSubnet
		if len(op.Responses) != 1 && len(op.Responses) != expected {
			return ic.ErrorOutput(&ic.OpError{
				Kind:     ic.ErrInvalidMockCanisterHttpResponses,
				Actual:   len(op.Responses),
				Expected: expected,
			})
		}
		mocked := make([][]byte, 0, len(op.Responses))
		for _, resp := range op.Responses {
			if resp.RejectCode != 0 {
				if resp.RejectCode < rejectCodeSysFatal || resp.RejectCode > rejectCodeSysUnknown {
					return ic.ErrorOutput(&ic.OpError{
						Kind:       ic.ErrInvalidRejectCode,
						RejectCode: resp.RejectCode,
					})
				}
				mocked = append(mocked, nil)
				continue
			}
			mocked = append(mocked, resp.Body)
		}
		pending.mocked = mocked
		return ic.NoOutput()
	})
}

// ProcessCanisterHttp resolves every pending HTTP request that has mocked
// responses installed, removing it from the pending set.
type ProcessCanisterHttp struct{}

func (ProcessCanisterHttp) Id() ic.OpId { return "process_canister_http" }

func (ProcessCanisterHttp) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		for id, pending := range r.pendingHTTP {
			if pending.mocked != nil {
				delete(r.pendingHTTP, id)
			}
		}
		return ic.NoOutput()
	})
}

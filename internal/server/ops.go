package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	ic "github.com/SimulatedWorld/ic"
	"github.com/SimulatedWorld/ic/replica"
)

func instanceID(w http.ResponseWriter, p httprouter.Params) (int, bool) {
	id, err := strconv.Atoi(p.ByName("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: fmt.Sprintf("invalid instance id %q", p.ByName("id"))})
		return 0, false
	}
	return id, true
}

func msToDuration(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func stateLabelFromHex(s string) (ic.StateLabel, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ic.StateLabel{}, fmt.Errorf("invalid state label %q", s)
	}
	return ic.StateLabelFromBytes(raw)
}

// Request DTOs for the operation endpoints. Binary payloads travel base64
// encoded.

type base64Bytes []byte

func (b *base64Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

func (b base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

type setTimeRequest struct {
	TimeNs uint64 `json:"time_ns"`
}

type advanceTimeRequest struct {
	DurationNs int64 `json:"duration_ns"`
}

type createCanisterRequest struct {
	Sender      string   `json:"sender"`
	Controllers []string `json:"controllers"`
}

type canisterRequest struct {
	Sender   string `json:"sender"`
	Canister string `json:"canister_id"`
}

type installCodeRequest struct {
	Sender   string      `json:"sender"`
	Canister string      `json:"canister_id"`
	Module   base64Bytes `json:"module"`
}

type cyclesRequest struct {
	Canister string `json:"canister_id"`
	Amount   uint64 `json:"amount"`
}

type setControllersRequest struct {
	Sender      string   `json:"sender"`
	Canister    string   `json:"canister_id"`
	Controllers []string `json:"controllers"`
}

type stableMemoryRequest struct {
	Canister string      `json:"canister_id"`
	Data     base64Bytes `json:"data"`
}

type submitIngressRequest struct {
	Sender            string      `json:"sender"`
	Canister          string      `json:"canister_id"`
	Method            string      `json:"method"`
	Payload           base64Bytes `json:"payload"`
	EffectiveSubnet   string      `json:"effective_subnet_id"`
	EffectiveCanister string      `json:"effective_canister_id"`
}

type awaitIngressRequest struct {
	MessageID base64Bytes `json:"message_id"`
}

type mockCanisterHTTPRequest struct {
	SubnetID  string `json:"subnet_id"`
	RequestID uint64 `json:"request_id"`
	Responses []struct {
		Body       base64Bytes `json:"body"`
		RejectCode uint64      `json:"reject_code"`
	} `json:"responses"`
}

type setBlockmakerRequest struct {
	Blockmaker string   `json:"blockmaker"`
	Failed     []string `json:"failed"`
}

func principals(ss []string) []ic.PrincipalID {
	out := make([]ic.PrincipalID, len(ss))
	for i, s := range ss {
		out[i] = ic.PrincipalID(s)
	}
	return out
}

func nodes(ss []string) []ic.NodeID {
	out := make([]ic.NodeID, len(ss))
	for i, s := range ss {
		out[i] = ic.NodeID(s)
	}
	return out
}

func decodeInto(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// opFromRequest maps an operation name and request body onto a replica
// operation.
func opFromRequest(name string, r *http.Request) (ic.Operation, error) {
	switch name {
	case "get_time":
		return replica.GetTime{}, nil
	case "set_time":
		var req setTimeRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.SetTime{TimeNs: req.TimeNs}, nil
	case "set_certified_time":
		var req setTimeRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.SetCertifiedTime{TimeNs: req.TimeNs}, nil
	case "advance_time_and_tick":
		var req advanceTimeRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.AdvanceTimeAndTick{Duration: time.Duration(req.DurationNs)}, nil
	case "tick":
		return replica.Tick{}, nil
	case "topology":
		return replica.GetTopology{}, nil
	case "create_canister":
		var req createCanisterRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.CreateCanister{
			Sender:      ic.PrincipalID(req.Sender),
			Controllers: principals(req.Controllers),
		}, nil
	case "install_code":
		var req installCodeRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.InstallCode{
			Sender:   ic.PrincipalID(req.Sender),
			Canister: ic.CanisterID(req.Canister),
			Module:   req.Module,
		}, nil
	case "delete_canister":
		var req canisterRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.DeleteCanister{
			Sender:   ic.PrincipalID(req.Sender),
			Canister: ic.CanisterID(req.Canister),
		}, nil
	case "add_cycles":
		var req cyclesRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.AddCycles{Canister: ic.CanisterID(req.Canister), Amount: req.Amount}, nil
	case "cycle_balance":
		var req cyclesRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.CycleBalance{Canister: ic.CanisterID(req.Canister)}, nil
	case "get_controllers":
		var req canisterRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.GetControllers{Canister: ic.CanisterID(req.Canister)}, nil
	case "set_controllers":
		var req setControllersRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.SetControllers{
			Sender:      ic.PrincipalID(req.Sender),
			Canister:    ic.CanisterID(req.Canister),
			Controllers: principals(req.Controllers),
		}, nil
	case "get_stable_memory":
		var req stableMemoryRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.GetStableMemory{Canister: ic.CanisterID(req.Canister)}, nil
	case "set_stable_memory":
		var req stableMemoryRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.SetStableMemory{Canister: ic.CanisterID(req.Canister), Data: req.Data}, nil
	case "get_subnet":
		var req canisterRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.GetSubnetOfCanister{Canister: ic.CanisterID(req.Canister)}, nil
	case "submit_ingress":
		var req submitIngressRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		effective := ic.EffectivePrincipal{}
		if req.EffectiveSubnet != "" {
			effective = ic.EffectivePrincipal{Kind: ic.EffectivePrincipalSubnet, Subnet: ic.SubnetID(req.EffectiveSubnet)}
		} else if req.EffectiveCanister != "" {
			effective = ic.EffectivePrincipal{Kind: ic.EffectivePrincipalCanister, Canister: ic.CanisterID(req.EffectiveCanister)}
		}
		return replica.SubmitIngress{
			Sender:             ic.PrincipalID(req.Sender),
			EffectivePrincipal: effective,
			Canister:           ic.CanisterID(req.Canister),
			Method:             req.Method,
			Payload:            req.Payload,
		}, nil
	case "await_ingress":
		var req awaitIngressRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.AwaitIngress{MessageID: req.MessageID}, nil
	case "get_canister_http":
		return replica.GetCanisterHttp{}, nil
	case "mock_canister_http":
		var req mockCanisterHTTPRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		responses := make([]replica.MockCanisterHttpResponse, len(req.Responses))
		for i, resp := range req.Responses {
			responses[i] = replica.MockCanisterHttpResponse{Body: resp.Body, RejectCode: resp.RejectCode}
		}
		return replica.MockCanisterHttp{
			SubnetID:  ic.SubnetID(req.SubnetID),
			RequestID: req.RequestID,
			Responses: responses,
		}, nil
	case "process_canister_http":
		return replica.ProcessCanisterHttp{}, nil
	case "set_blockmaker":
		var req setBlockmakerRequest
		if err := decodeInto(r, &req); err != nil {
			return nil, err
		}
		return replica.SetBlockmaker{
			Blockmaker: ic.NodeID(req.Blockmaker),
			Failed:     nodes(req.Failed),
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", name)
	}
}

// encodeOpOut renders an OpOut as a JSON-friendly value.
func encodeOpOut(out ic.OpOut) any {
	switch out.Kind {
	case ic.KindNoOutput:
		return map[string]any{"kind": "NoOutput"}
	case ic.KindTime:
		return map[string]any{"kind": "Time", "time_ns": out.Time}
	case ic.KindCanisterResult:
		if out.CanisterResult.Reject != nil {
			return map[string]any{"kind": "CanisterResult", "reject": out.CanisterResult.Reject}
		}
		return map[string]any{"kind": "CanisterResult", "ok": base64Bytes(out.CanisterResult.Ok)}
	case ic.KindCanisterID:
		return map[string]any{"kind": "CanisterId", "canister_id": out.CanisterID}
	case ic.KindControllers:
		return map[string]any{"kind": "Controllers", "controllers": out.Controllers}
	case ic.KindCycles:
		return map[string]any{"kind": "Cycles", "cycles": out.Cycles.String()}
	case ic.KindBytes:
		return map[string]any{"kind": "Bytes", "bytes": base64Bytes(out.Bytes)}
	case ic.KindStableMemBytes:
		return map[string]any{"kind": "StableMemory", "bytes": base64Bytes(out.Bytes)}
	case ic.KindMaybeSubnetID:
		if out.SubnetID == nil {
			return map[string]any{"kind": "NoSubnetId"}
		}
		return map[string]any{"kind": "SubnetId", "subnet_id": *out.SubnetID}
	case ic.KindError:
		return map[string]any{"kind": "Error", "error": out.Err.String()}
	case ic.KindRawResponse:
		if status, _, body, ok := out.RawResponse.Peek(); ok {
			return map[string]any{"kind": "RawResponse", "status": status, "body": base64Bytes(body)}
		}
		return map[string]any{"kind": "RawResponse", "status": nil}
	case ic.KindMessageID:
		return map[string]any{
			"kind":       "MessageId",
			"message_id": base64Bytes(out.MessageID.ID),
		}
	case ic.KindTopology:
		return map[string]any{"kind": "Topology", "topology": out.Topology}
	case ic.KindCanisterHttp:
		return map[string]any{"kind": "CanisterHttp", "requests": out.CanisterHttp}
	default:
		return map[string]any{"kind": "Unknown"}
	}
}

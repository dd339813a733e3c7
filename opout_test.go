package ic

import (
	"math/big"
	"testing"
)

func TestOpOutStrings(t *testing.T) {
	subnet := SubnetID("subnet-0")
	resolved := NewRawResponse()
	resolved.Resolve(200, nil, []byte("ok"))

	tests := []struct {
		out  OpOut
		want string
	}{
		{NoOutput(), "NoOutput"},
		{TimeOutput(42), "Time(42)"},
		{BytesOutput([]byte("hi")), "Bytes(aGk=)"},
		{StableMemOutput([]byte("hi")), "StableMemory(aGk=)"},
		{CanisterIDOutput("c1"), "CanisterId(c1)"},
		{ControllersOutput([]PrincipalID{"a", "b"}), "Controllers(a,b)"},
		{CyclesOutput(big.NewInt(100)), "Cycles(100)"},
		{MaybeSubnetOutput(nil), "NoSubnetId"},
		{MaybeSubnetOutput(&subnet), "SubnetId(subnet-0)"},
		{CanisterResultOutput(CanisterResult{Ok: []byte("hi")}), "CanisterResult: Ok(aGk=)"},
		{CanisterResultOutput(CanisterResult{Reject: &RejectResponse{Code: 4, Message: "no"}}), "CanisterResult: Err(4: no)"},
		{ErrorOutput(&OpError{Kind: ErrForbidden, Message: "x"}), "Forbidden(x)"},
		{RawResponseOutput(NewRawResponse()), "ApiResp(pending)"},
		{RawResponseOutput(resolved), "ApiResp(200:b2s=)"},
		{MessageIDOutput(EffectivePrincipal{}, []byte{0xab}), "MessageId(None,ab)"},
		{CanisterHttpOutput(nil), "CanisterHttp(0)"},
	}
	for _, tt := range tests {
		if got := tt.out.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestRawResponseResolveOnce(t *testing.T) {
	r := NewRawResponse()
	if _, _, _, ok := r.Peek(); ok {
		t.Fatal("unresolved response reported resolved")
	}

	r.Resolve(200, nil, []byte("first"))
	r.Resolve(500, nil, []byte("second"))

	status, _, body, ok := r.Peek()
	if !ok {
		t.Fatal("resolved response reported unresolved")
	}
	if status != 200 || string(body) != "first" {
		t.Errorf("second Resolve overwrote the result: %d %q", status, body)
	}

	select {
	case <-r.Done():
	default:
		t.Error("Done channel not closed after Resolve")
	}
}

func TestUpdateReplyInProgress(t *testing.T) {
	label := NewStateLabel(1)

	if _, _, ok := (Output{Out: NoOutput()}).InProgress(); ok {
		t.Error("Output reported in-progress")
	}
	if l, op, ok := (Busy{StateLabel: label, OpID: "x"}).InProgress(); !ok || l != label || op != "x" {
		t.Error("Busy InProgress mismatch")
	}
	if l, op, ok := (Started{StateLabel: label, OpID: "y"}).InProgress(); !ok || l != label || op != "y" {
		t.Error("Started InProgress mismatch")
	}
}

package replica

import (
	"testing"
	"time"

	ic "github.com/SimulatedWorld/ic"
)

func compute(t *testing.T, r *Replica, op ic.Operation) ic.OpOut {
	t.Helper()
	return op.Compute(r)
}

func createInstalledCanister(t *testing.T, r *Replica, sender ic.PrincipalID) ic.CanisterID {
	t.Helper()
	out := compute(t, r, CreateCanister{Sender: sender})
	if out.Kind != ic.KindCanisterID {
		t.Fatalf("CreateCanister returned %s", out)
	}
	id := out.CanisterID
	if out := compute(t, r, InstallCode{Sender: sender, Canister: id, Module: []byte("wasm")}); out.IsError() {
		t.Fatalf("InstallCode failed: %s", out)
	}
	return id
}

func TestNewReplicaSeededLabel(t *testing.T) {
	r := New(0)
	if r.StateLabel() != ic.NewStateLabel(0) {
		t.Errorf("label = %s", r.StateLabel())
	}

	r1 := New(1)
	if r.StateLabel() == r1.StateLabel() {
		t.Error("distinct seeds share a label")
	}

	topo := r.Topology()
	if len(topo.Subnets) != 1 || len(topo.Subnets[0].Nodes) != nodesPerSubnet {
		t.Errorf("unexpected topology: %+v", topo)
	}
}

func TestWrongInstanceType(t *testing.T) {
	out := GetTime{}.Compute(ic.NewMockInstance(0))
	if !out.IsError() || out.Err.Kind != ic.ErrRequestRoutingError {
		t.Errorf("expected RequestRoutingError, got %s", out)
	}
}

func TestTimeOperations(t *testing.T) {
	r := New(0)

	if out := compute(t, r, GetTime{}); out.Kind != ic.KindTime || out.Time != 0 {
		t.Errorf("initial time = %s", out)
	}

	if out := compute(t, r, SetTime{TimeNs: 1000}); out.IsError() {
		t.Fatalf("SetTime failed: %s", out)
	}
	if out := compute(t, r, GetTime{}); out.Time != 1000 {
		t.Errorf("time after set = %s", out)
	}

	// Setting time into the past is an error.
	out := compute(t, r, SetTime{TimeNs: 500})
	if !out.IsError() || out.Err.Kind != ic.ErrSettingTimeIntoPast {
		t.Errorf("expected SettingTimeIntoPast, got %s", out)
	}
	if out.Err.CurrentTime != 1000 || out.Err.TargetTime != 500 {
		t.Errorf("error payload = %s", out)
	}
}

func TestAdvanceTimeAndTick(t *testing.T) {
	r := New(0)
	if out := compute(t, r, AdvanceTimeAndTick{Duration: time.Second}); out.IsError() {
		t.Fatalf("AdvanceTimeAndTick failed: %s", out)
	}
	if got := r.TimeNs(); got != uint64(time.Second.Nanoseconds()) {
		t.Errorf("time = %d", got)
	}
}

func TestSetCertifiedTime(t *testing.T) {
	r := New(0)
	if out := compute(t, r, SetCertifiedTime{TimeNs: 5000}); out.IsError() {
		t.Fatalf("SetCertifiedTime failed: %s", out)
	}
	// Replica time follows certified time forward.
	if got := r.TimeNs(); got != 5000 {
		t.Errorf("time = %d", got)
	}
	out := compute(t, r, SetCertifiedTime{TimeNs: 4000})
	if !out.IsError() || out.Err.Kind != ic.ErrSettingTimeIntoPast {
		t.Errorf("expected SettingTimeIntoPast, got %s", out)
	}
}

func TestCanisterLifecycle(t *testing.T) {
	r := New(0)
	sender := ic.PrincipalID("alice")

	out := compute(t, r, CreateCanister{Sender: sender})
	if out.Kind != ic.KindCanisterID {
		t.Fatalf("CreateCanister returned %s", out)
	}
	id := out.CanisterID

	// The creator controls the canister.
	out = compute(t, r, GetControllers{Canister: id})
	if out.Kind != ic.KindControllers || len(out.Controllers) != 1 || out.Controllers[0] != sender {
		t.Errorf("controllers = %s", out)
	}

	// Non-controllers may not install.
	out = compute(t, r, InstallCode{Sender: "mallory", Canister: id, Module: []byte("wasm")})
	if !out.IsError() || out.Err.Kind != ic.ErrForbidden {
		t.Errorf("expected Forbidden, got %s", out)
	}

	if out := compute(t, r, InstallCode{Sender: sender, Canister: id, Module: []byte("wasm")}); out.IsError() {
		t.Fatalf("InstallCode failed: %s", out)
	}

	// Delete and observe CanisterNotFound afterwards.
	if out := compute(t, r, DeleteCanister{Sender: sender, Canister: id}); out.IsError() {
		t.Fatalf("DeleteCanister failed: %s", out)
	}
	out = compute(t, r, GetControllers{Canister: id})
	if !out.IsError() || out.Err.Kind != ic.ErrCanisterNotFound {
		t.Errorf("expected CanisterNotFound, got %s", out)
	}
}

func TestCycles(t *testing.T) {
	r := New(0)
	id := createInstalledCanister(t, r, "alice")

	out := compute(t, r, AddCycles{Canister: id, Amount: 100})
	if out.Kind != ic.KindCycles || out.Cycles.Uint64() != 100 {
		t.Errorf("AddCycles = %s", out)
	}
	out = compute(t, r, AddCycles{Canister: id, Amount: 50})
	if out.Cycles.Uint64() != 150 {
		t.Errorf("balance = %s", out)
	}
	out = compute(t, r, CycleBalance{Canister: id})
	if out.Cycles.Uint64() != 150 {
		t.Errorf("CycleBalance = %s", out)
	}

	out = compute(t, r, CycleBalance{Canister: "nope"})
	if !out.IsError() || out.Err.Kind != ic.ErrCanisterNotFound {
		t.Errorf("expected CanisterNotFound, got %s", out)
	}
}

func TestStableMemory(t *testing.T) {
	r := New(0)
	sender := ic.PrincipalID("alice")

	out := compute(t, r, CreateCanister{Sender: sender})
	id := out.CanisterID

	// Empty canister: stable memory is unavailable.
	out = compute(t, r, GetStableMemory{Canister: id})
	if !out.IsError() || out.Err.Kind != ic.ErrCanisterIsEmpty {
		t.Errorf("expected CanisterIsEmpty, got %s", out)
	}

	compute(t, r, InstallCode{Sender: sender, Canister: id, Module: []byte("wasm")})

	if out := compute(t, r, SetStableMemory{Canister: id, Data: []byte("persisted")}); out.IsError() {
		t.Fatalf("SetStableMemory failed: %s", out)
	}
	out = compute(t, r, GetStableMemory{Canister: id})
	if out.Kind != ic.KindStableMemBytes || string(out.Bytes) != "persisted" {
		t.Errorf("GetStableMemory = %s", out)
	}
}

func TestSetControllers(t *testing.T) {
	r := New(0)
	id := createInstalledCanister(t, r, "alice")

	out := compute(t, r, SetControllers{Sender: "mallory", Canister: id, Controllers: []ic.PrincipalID{"mallory"}})
	if !out.IsError() || out.Err.Kind != ic.ErrForbidden {
		t.Errorf("expected Forbidden, got %s", out)
	}

	if out := compute(t, r, SetControllers{Sender: "alice", Canister: id, Controllers: []ic.PrincipalID{"bob"}}); out.IsError() {
		t.Fatalf("SetControllers failed: %s", out)
	}
	out = compute(t, r, GetControllers{Canister: id})
	if len(out.Controllers) != 1 || out.Controllers[0] != "bob" {
		t.Errorf("controllers = %s", out)
	}
}

func TestGetSubnetOfCanister(t *testing.T) {
	r := New(0)
	id := createInstalledCanister(t, r, "alice")

	out := compute(t, r, GetSubnetOfCanister{Canister: id})
	if out.Kind != ic.KindMaybeSubnetID || out.SubnetID == nil || *out.SubnetID != r.Topology().DefaultSubnet {
		t.Errorf("GetSubnetOfCanister = %s", out)
	}

	out = compute(t, r, GetSubnetOfCanister{Canister: "unknown"})
	if out.Kind != ic.KindMaybeSubnetID || out.SubnetID != nil {
		t.Errorf("expected NoSubnetId, got %s", out)
	}
}

func TestSetBlockmaker(t *testing.T) {
	r := New(0)
	nodes := r.Topology().Subnets[0].Nodes

	if out := compute(t, r, SetBlockmaker{Blockmaker: nodes[0], Failed: []ic.NodeID{nodes[1]}}); out.IsError() {
		t.Fatalf("SetBlockmaker failed: %s", out)
	}

	out := compute(t, r, SetBlockmaker{Blockmaker: "ghost"})
	if !out.IsError() || out.Err.Kind != ic.ErrBlockmakerNotFound {
		t.Errorf("expected BlockmakerNotFound, got %s", out)
	}

	out = compute(t, r, SetBlockmaker{Blockmaker: nodes[0], Failed: []ic.NodeID{nodes[0]}})
	if !out.IsError() || out.Err.Kind != ic.ErrBlockmakerContainedInFailed {
		t.Errorf("expected BlockmakerContainedInFailed, got %s", out)
	}
}

func TestOperationDeterminism(t *testing.T) {
	// The same operation sequence on two equally-seeded replicas yields the
	// same outputs and labels.
	run := func() (ic.StateLabel, []string) {
		r := New(5)
		var outs []string
		ops := []ic.Operation{
			CreateCanister{Sender: "alice"},
			InstallCode{Sender: "alice", Canister: "canister-0", Module: []byte("m")},
			SetTime{TimeNs: 99},
			AddCycles{Canister: "canister-0", Amount: 7},
			GetTime{},
		}
		for _, op := range ops {
			outs = append(outs, op.Compute(r).String())
			r.BumpStateLabel()
		}
		return r.StateLabel(), outs
	}

	labelA, outsA := run()
	labelB, outsB := run()
	if labelA != labelB {
		t.Errorf("labels diverged: %s != %s", labelA, labelB)
	}
	for i := range outsA {
		if outsA[i] != outsB[i] {
			t.Errorf("output %d diverged: %q != %q", i, outsA[i], outsB[i])
		}
	}
}

package ic

import (
	"testing"
)

func TestNewStateLabel(t *testing.T) {
	l := NewStateLabel(0)
	if l.String() != "00000000000000000000000000000000" {
		t.Errorf("seed 0 label = %s, want all zeros", l.String())
	}

	// The seed occupies the high 8 bytes of the little-endian integer.
	l = NewStateLabel(1)
	if l.String() != "00000000000000000100000000000000" {
		t.Errorf("seed 1 label = %s", l.String())
	}
}

func TestStateLabelBump(t *testing.T) {
	l := NewStateLabel(0)
	l.Bump()
	if l.String() != "01000000000000000000000000000000" {
		t.Errorf("bumped label = %s, want 01 in first byte", l.String())
	}
}

func TestStateLabelBumpCarry(t *testing.T) {
	// All ones in the low 8 bytes: the bump must carry into the high half.
	l, err := StateLabelFromBytes([]byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0, 0, 0, 0, 0, 0, 0, 0,
	})
	if err != nil {
		t.Fatalf("StateLabelFromBytes failed: %v", err)
	}
	l.Bump()
	want := "00000000000000000100000000000000"
	if l.String() != want {
		t.Errorf("carried label = %s, want %s", l.String(), want)
	}
}

func TestStateLabelMonotonic(t *testing.T) {
	l := NewStateLabel(7)
	prev := l
	for i := 0; i < 300; i++ {
		l.Bump()
		if !lessLE(prev, l) {
			t.Fatalf("label did not increase at step %d: %s -> %s", i, prev, l)
		}
		prev = l
	}
}

// lessLE compares labels as 128-bit little-endian integers.
func lessLE(a, b StateLabel) bool {
	for i := StateLabelSize - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func TestStateLabelStringUppercaseHex(t *testing.T) {
	l, err := StateLabelFromBytes([]byte{
		0xab, 0xcd, 0xef, 0x0a, 0xff, 0x00, 0x12, 0x9e,
		0, 0, 0, 0, 0, 0, 0, 0,
	})
	if err != nil {
		t.Fatalf("StateLabelFromBytes failed: %v", err)
	}
	want := "ABCDEF0AFF00129E0000000000000000"
	if l.String() != want {
		t.Errorf("String() = %s, want %s", l.String(), want)
	}
	if l.GoString() != "StateLabel("+want+")" {
		t.Errorf("GoString() = %s", l.GoString())
	}
}

func TestStateLabelFromBytesRoundTrip(t *testing.T) {
	l := NewStateLabel(42)
	l.Bump()
	l.Bump()

	got, err := StateLabelFromBytes(l.Bytes())
	if err != nil {
		t.Fatalf("StateLabelFromBytes failed: %v", err)
	}
	if got != l {
		t.Errorf("round trip mismatch: %s != %s", got, l)
	}
}

func TestStateLabelFromBytesInvalidSize(t *testing.T) {
	for _, n := range []int{0, 1, 15, 17, 32} {
		_, err := StateLabelFromBytes(make([]byte, n))
		if err == nil {
			t.Errorf("expected error for length %d", n)
		}
		if !IsCode(err, CodeInvalidSize) {
			t.Errorf("expected CodeInvalidSize for length %d, got %v", n, err)
		}
	}
}

func TestStateLabelCmp(t *testing.T) {
	a := NewStateLabel(1)
	b := NewStateLabel(1)
	if a.Cmp(b) != 0 {
		t.Errorf("equal labels compare nonzero")
	}
	b.Bump()
	if a.Cmp(b) == 0 {
		t.Errorf("distinct labels compare equal")
	}
}

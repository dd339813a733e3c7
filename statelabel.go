package ic

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/SimulatedWorld/ic/internal/constants"
)

// StateLabelSize is the size of a StateLabel in bytes.
const StateLabelSize = constants.StateLabelSize

// StateLabel uniquely identifies an instance state. It is a 128-bit value
// interpreted as a little-endian integer for bumping, and compared bytewise.
type StateLabel [StateLabelSize]byte

// NewStateLabel constructs a label from a 64-bit seed. The seed occupies the
// high 8 bytes of the 128-bit little-endian integer, so labels of distinct
// seeds never collide no matter how often they are bumped.
func NewStateLabel(seed uint64) StateLabel {
	var l StateLabel
	binary.LittleEndian.PutUint64(l[8:], seed)
	return l
}

// StateLabelFromBytes converts a byte slice into a StateLabel. The input
// having the wrong size is the only possible error condition.
func StateLabelFromBytes(b []byte) (StateLabel, error) {
	var l StateLabel
	if len(b) != StateLabelSize {
		return l, NewError("state_label", CodeInvalidSize, fmt.Sprintf("invalid state label size %d, want %d", len(b), StateLabelSize))
	}
	copy(l[:], b)
	return l, nil
}

// Bump increments the label by one, treating it as a 128-bit little-endian
// integer.
func (l *StateLabel) Bump() {
	lo := binary.LittleEndian.Uint64(l[:8])
	hi := binary.LittleEndian.Uint64(l[8:])
	lo++
	if lo == 0 {
		hi++
	}
	binary.LittleEndian.PutUint64(l[:8], lo)
	binary.LittleEndian.PutUint64(l[8:], hi)
}

// Bytes returns a copy of the label's raw bytes.
func (l StateLabel) Bytes() []byte {
	b := make([]byte, StateLabelSize)
	copy(b, l[:])
	return b
}

// Cmp compares two labels lexicographically over their bytes.
func (l StateLabel) Cmp(other StateLabel) int {
	return bytes.Compare(l[:], other[:])
}

// String returns the label as uppercase hex. This form is client-visible:
// the REST surface serializes it as the state_label field.
func (l StateLabel) String() string {
	return fmt.Sprintf("%X", l[:])
}

// GoString renders the label the way it appears in state listings and logs.
func (l StateLabel) GoString() string {
	return fmt.Sprintf("StateLabel(%s)", l.String())
}

// OpId is the stable identifier of an operation instance. Two operations
// sharing an OpId must be semantically interchangeable: the OpId is the cache
// key of the computation graph, and the uniqueness burden lies with operation
// implementors.
type OpId string

func (id OpId) String() string { return string(id) }

package gateway

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// canisterIDEncoding is the unpadded base32 alphabet used by the textual
// principal format.
var canisterIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CanisterID is a parsed canister identifier.
type CanisterID struct {
	raw []byte
}

// ParseCanisterID parses the textual principal format: dash-separated groups
// of base32 over a CRC32 checksum followed by the raw identifier bytes.
func ParseCanisterID(text string) (CanisterID, error) {
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	decoded, err := canisterIDEncoding.DecodeString(compact)
	if err != nil {
		return CanisterID{}, fmt.Errorf("invalid canister id %q: %v", text, err)
	}
	if len(decoded) < 4 {
		return CanisterID{}, fmt.Errorf("invalid canister id %q: too short", text)
	}
	sum := binary.BigEndian.Uint32(decoded[:4])
	raw := decoded[4:]
	if crc32.ChecksumIEEE(raw) != sum {
		return CanisterID{}, fmt.Errorf("invalid canister id %q: checksum mismatch", text)
	}
	return CanisterID{raw: raw}, nil
}

// String renders the canonical textual form: lowercase base32 of
// checksum+bytes, grouped in fives.
func (c CanisterID) String() string {
	buf := make([]byte, 4+len(c.raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(c.raw))
	copy(buf[4:], c.raw)
	s := strings.ToLower(canisterIDEncoding.EncodeToString(buf))
	var groups []string
	for len(s) > 5 {
		groups = append(groups, s[:5])
		s = s[5:]
	}
	groups = append(groups, s)
	return strings.Join(groups, "-")
}

// IsZero reports whether the id is unset.
func (c CanisterID) IsZero() bool { return c.raw == nil }

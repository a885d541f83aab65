package contracts

import (
	"fmt"
	"strconv"
	"strings"
)

// Sequence is a position on the global event log. Sequences are assigned by
// a serialized allocator, strictly increase, and may have gaps (a rolled-back
// turn burns its number).
//
// JSON serialization is a decimal string ("42"), never a number: positions
// are 64-bit and JavaScript consumers lose precision past 2^53. Unmarshaling
// accepts both the string form and a bare number for tolerant clients.
type Sequence int64

// String returns the decimal form.
func (s Sequence) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// MarshalJSON emits the sequence as a quoted decimal string.
func (s Sequence) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts "42", 42 and null.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence %s: %w", string(data), err)
	}
	*s = Sequence(v)
	return nil
}

// ParseSequence parses the decimal string form, as used in query parameters.
func ParseSequence(raw string) (Sequence, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence %q: %w", raw, err)
	}
	return Sequence(v), nil
}

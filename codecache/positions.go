package codecache

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrNoPositions is returned when a unit has no source positions for a
// debug id.
var ErrNoPositions = errors.New("no source positions")

// UnknownMethod marks a frame whose method could not be recorded.
const UnknownMethod = -1

// Frame is one encoded link of an inlining chain. Method indexes the unit's
// method table, or is UnknownMethod.
type Frame struct {
	Method int `cbor:"1,keyasint"`
	BCI    int `cbor:"2,keyasint"`
}

// Positions maps debug ids to inlining chains, innermost frame first.
type Positions map[int32][]Frame

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codecache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalPositions serializes a position table to CBOR bytes.
func MarshalPositions(p Positions) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalPositions deserializes a position table from CBOR bytes.
func UnmarshalPositions(data []byte) (Positions, error) {
	var p Positions
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("codecache: unmarshal positions: %w", err)
	}
	return p, nil
}

// chain links the frames recorded for one debug id against the unit's
// method table.
func chain(frames []Frame, methods []*MethodRef) (*SourcePosition, error) {
	var head, tail *SourcePosition
	for _, f := range frames {
		link := &SourcePosition{BCI: f.BCI}
		switch {
		case f.Method == UnknownMethod:
		case f.Method >= 0 && f.Method < len(methods):
			link.Method = methods[f.Method]
		default:
			return nil, fmt.Errorf("codecache: method index %d out of range (%d methods)", f.Method, len(methods))
		}
		if head == nil {
			head = link
		} else {
			tail.Caller = link
		}
		tail = link
	}
	return head, nil
}

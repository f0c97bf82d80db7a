package wire

import (
	"errors"
	"fmt"

	"github.com/wotw-multiverse/syncserver/model"
)

// IDBias is added to both components of an uber id on the way out. Protobuf
// omits zero-valued integers, so the shift keeps a real 0 distinguishable
// from an absent field.
const IDBias = 1

// ValueBias is subtracted from every decoded value other than ZeroValue.
const ValueBias = 0.0

// ZeroValue is the wire encoding of an explicit 0.0. A literal 0.0 would be
// indistinguishable from an absent value in sparse updates.
const ZeroValue = -1.0

var (
	// ErrMissingField indicates a required field decoded to its absent value.
	ErrMissingField = errors.New("wire: missing field")
)

// UberID is an uber state identifier in wire space.
type UberID struct {
	Group int32
	State int32
}

// EncodeID shifts a real identifier into wire space.
func EncodeID(id model.UberStateID) UberID {
	return UberID{Group: id.Group + IDBias, State: id.State + IDBias}
}

// DecodeID shifts a wire identifier back into real space. A component that
// was absent on the wire decodes to a negative number and is rejected.
func DecodeID(id UberID) (model.UberStateID, error) {
	out := model.UberStateID{Group: id.Group - IDBias, State: id.State - IDBias}
	if out.Group < 0 || out.State < 0 {
		return model.UberStateID{}, fmt.Errorf("%w: uber id %d/%d", ErrMissingField, id.Group, id.State)
	}
	return out, nil
}

// EncodeValue maps a real value into wire space.
func EncodeValue(v float64) float64 {
	if v == 0 {
		return ZeroValue
	}
	return v + ValueBias
}

// DecodeValue maps a wire value back into real space. The real value -1.0
// has no wire representation of its own and decodes as 0.0.
func DecodeValue(v float64) float64 {
	if v == ZeroValue {
		return 0
	}
	return v - ValueBias
}

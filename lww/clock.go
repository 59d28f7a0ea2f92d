package lww

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jrhy/forest"
)

// Clock versions a value. Counters increase per key each time an actor
// writes it.
type Clock struct {
	Actor   string
	Counter uint64
}

// Compare orders clocks by counter, breaking ties by actor id. It returns
// -1, 0 or 1.
func Compare(a, b Clock) int {
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	case a.Actor < b.Actor:
		return -1
	case a.Actor > b.Actor:
		return 1
	}
	return 0
}

func (c Clock) String() string {
	return fmt.Sprintf("%s@%d", c.Actor, c.Counter)
}

// Record is what a Tree stores as an item value.
type Record struct {
	Clock Clock
	Value []byte
}

const (
	recordActorField   protowire.Number = 1
	recordCounterField protowire.Number = 2
	recordValueField   protowire.Number = 3
)

// MarshalRecord encodes a record in the protobuf wire format:
//
//	message Record { string actor = 1; uint64 counter = 2; bytes value = 3; }
func MarshalRecord(r Record) []byte {
	b := make([]byte, 0, len(r.Clock.Actor)+len(r.Value)+16)
	b = protowire.AppendTag(b, recordActorField, protowire.BytesType)
	b = protowire.AppendString(b, r.Clock.Actor)
	b = protowire.AppendTag(b, recordCounterField, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Clock.Counter)
	b = protowire.AppendTag(b, recordValueField, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Value)
	return b
}

// UnmarshalRecord decodes a record.
func UnmarshalRecord(b []byte) (Record, error) {
	r := Record{Value: []byte{}}
	err := forest.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == recordActorField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Clock.Actor = v
			return n, nil
		case num == recordCounterField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Clock.Counter = v
			return n, nil
		case num == recordValueField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n > 0 {
				r.Value = append([]byte{}, v...)
			}
			return n, nil
		case num == recordActorField, num == recordCounterField, num == recordValueField:
			return 0, fmt.Errorf("%w: record field %d has wire type %d", forest.ErrMalformed, num, typ)
		}
		return 0, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

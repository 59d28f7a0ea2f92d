package forest

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Nodes and sync messages are encoded in the protobuf wire format, so
// peers in other languages can decode them with an ordinary schema:
//
//	message Item        { string key = 1; bytes value = 2; }
//	message Node        { uint64 level = 1; string digest = 2; repeated Item item = 3; repeated string child = 4; }
//	message SyncMessage { string root = 1; repeated string want = 2; repeated Node node = 3; }

const (
	itemKeyField   protowire.Number = 1
	itemValueField protowire.Number = 2

	nodeLevelField  protowire.Number = 1
	nodeDigestField protowire.Number = 2
	nodeItemField   protowire.Number = 3
	nodeChildField  protowire.Number = 4

	syncRootField protowire.Number = 1
	syncWantField protowire.Number = 2
	syncNodeField protowire.Number = 3
)

// ConsumeFields calls fn for each field of the protobuf-encoded message b.
// fn returns the number of bytes of the field value it consumed, or 0 to
// have an unrecognized field skipped.
func ConsumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func wantType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, got)
	}
	return nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, s *string) (int, error) {
	if err := wantType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n, nil
	}
	*s = v
	return n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, v *[]byte) (int, error) {
	if err := wantType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	*v = append([]byte{}, raw...)
	return n, nil
}

func appendNodeData(b []byte, node NodeData) []byte {
	b = protowire.AppendTag(b, nodeLevelField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(node.Level))
	b = protowire.AppendTag(b, nodeDigestField, protowire.BytesType)
	b = protowire.AppendString(b, string(node.Digest))
	for _, item := range node.Items {
		var ib []byte
		ib = protowire.AppendTag(ib, itemKeyField, protowire.BytesType)
		ib = protowire.AppendString(ib, item.Key)
		ib = protowire.AppendTag(ib, itemValueField, protowire.BytesType)
		ib = protowire.AppendBytes(ib, item.Value)
		b = protowire.AppendTag(b, nodeItemField, protowire.BytesType)
		b = protowire.AppendBytes(b, ib)
	}
	for _, child := range node.Children {
		b = protowire.AppendTag(b, nodeChildField, protowire.BytesType)
		b = protowire.AppendString(b, string(child))
	}
	return b
}

// MarshalNodeData encodes a node for storage or transmission.
func MarshalNodeData(node NodeData) []byte {
	return appendNodeData(nil, node)
}

// UnmarshalNodeData decodes a node. The result is not verified; pass it to
// InsertNodes for that.
func UnmarshalNodeData(b []byte) (NodeData, error) {
	var node NodeData
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeLevelField:
			if err := wantType(num, typ, protowire.VarintType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if v > maxLevel {
				return 0, fmt.Errorf("%w: level %d", ErrMalformed, v)
			}
			node.Level = int(v)
			return n, nil
		case nodeDigestField:
			var s string
			n, err := consumeString(num, typ, b, &s)
			node.Digest = DigestHex(s)
			return n, err
		case nodeItemField:
			var raw []byte
			n, err := consumeBytes(num, typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			item, err := unmarshalItemData(raw)
			if err != nil {
				return 0, err
			}
			node.Items = append(node.Items, item)
			return n, nil
		case nodeChildField:
			var s string
			n, err := consumeString(num, typ, b, &s)
			if err == nil && n > 0 {
				node.Children = append(node.Children, DigestHex(s))
			}
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return NodeData{}, fmt.Errorf("node: %w", err)
	}
	return node, nil
}

func unmarshalItemData(b []byte) (ItemData, error) {
	item := ItemData{Value: []byte{}}
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case itemKeyField:
			return consumeString(num, typ, b, &item.Key)
		case itemValueField:
			return consumeBytes(num, typ, b, &item.Value)
		}
		return 0, nil
	})
	if err != nil {
		return ItemData{}, fmt.Errorf("item: %w", err)
	}
	return item, nil
}

// MarshalSyncMessage encodes a sync message for transmission.
func MarshalSyncMessage(msg *SyncMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, syncRootField, protowire.BytesType)
	b = protowire.AppendString(b, string(msg.Root))
	for _, want := range msg.Want {
		b = protowire.AppendTag(b, syncWantField, protowire.BytesType)
		b = protowire.AppendString(b, string(want))
	}
	for _, node := range msg.Nodes {
		b = protowire.AppendTag(b, syncNodeField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNodeData(nil, node))
	}
	return b
}

// UnmarshalSyncMessage decodes a sync message.
func UnmarshalSyncMessage(b []byte) (*SyncMessage, error) {
	msg := &SyncMessage{}
	err := ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case syncRootField:
			var s string
			n, err := consumeString(num, typ, b, &s)
			msg.Root = DigestHex(s)
			return n, err
		case syncWantField:
			var s string
			n, err := consumeString(num, typ, b, &s)
			if err == nil && n > 0 {
				msg.Want = append(msg.Want, DigestHex(s))
			}
			return n, err
		case syncNodeField:
			var raw []byte
			n, err := consumeBytes(num, typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			node, err := UnmarshalNodeData(raw)
			if err != nil {
				return 0, err
			}
			msg.Nodes = append(msg.Nodes, node)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal sync message: %w", err)
	}
	return msg, nil
}

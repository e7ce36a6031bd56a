package keeper

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata is a set of string attributes attached to a value when it is written.
// It is not part of the value's Key.
// Any attribute name is accepted.
type Metadata map[string]string

// Conventional attribute names.
const (
	MIMEAttr     = "mime"
	EncodingAttr = "encoding"
)

// Clone produces a copy of m.
// The clone of a nil Metadata is an empty, non-nil one.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// MarshalMetadata serializes m for persistence.
// UnmarshalMetadata reverses it exactly.
func MarshalMetadata(m Metadata) ([]byte, error) {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		s.Fields[k] = structpb.NewStringValue(v)
	}
	b, err := marshalOpts.Marshal(s)
	return b, errors.Wrap(err, "marshaling metadata")
}

// UnmarshalMetadata parses the output of MarshalMetadata.
func UnmarshalMetadata(b []byte) (Metadata, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshaling metadata")
	}
	out := make(Metadata, len(s.Fields))
	for k, v := range s.Fields {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, errors.Errorf("metadata attribute %s is not a string", k)
		}
		out[k] = sv.StringValue
	}
	return out, nil
}

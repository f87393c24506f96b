package schema

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DescriptorVersion tags the descriptor layout handed to runners.
const DescriptorVersion = "v1"

// Descriptor marshals a validated type tree into the bytes exchanged with
// the runner at open. The encoding is deterministic: the same logical type
// always yields identical bytes, so runners may cache decoders keyed on the
// raw descriptor.
func Descriptor(t Type) ([]byte, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	node, err := descriptorNode(t)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(map[string]any{
		"version": DescriptorVersion,
		"type":    node,
	})
	if err != nil {
		return nil, fmt.Errorf("schema: build descriptor: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal descriptor: %w", err)
	}
	return data, nil
}

func descriptorNode(t Type) (map[string]any, error) {
	if t.Kind != KindRow {
		return map[string]any{"kind": t.Kind.String()}, nil
	}
	fields := make([]any, 0, len(t.Fields))
	for _, f := range t.Fields {
		ft, err := descriptorNode(f.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, map[string]any{"name": f.Name, "type": ft})
	}
	return map[string]any{"kind": "row", "fields": fields}, nil
}

// ParseDescriptor is the runner-side inverse of Descriptor.
func ParseDescriptor(data []byte) (Type, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Type{}, fmt.Errorf("schema: unmarshal descriptor: %w", err)
	}
	m := s.AsMap()
	if v, _ := m["version"].(string); v != DescriptorVersion {
		return Type{}, fmt.Errorf("schema: unsupported descriptor version %q", m["version"])
	}
	node, ok := m["type"].(map[string]any)
	if !ok {
		return Type{}, fmt.Errorf("schema: descriptor missing type node")
	}
	t, err := typeFromNode(node)
	if err != nil {
		return Type{}, err
	}
	if err := Validate(t); err != nil {
		return Type{}, err
	}
	return t, nil
}

func typeFromNode(node map[string]any) (Type, error) {
	name, _ := node["kind"].(string)
	kind, ok := kindByName[name]
	if !ok {
		return Type{}, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
	if kind != KindRow {
		return Type{Kind: kind}, nil
	}
	raw, _ := node["fields"].([]any)
	fields := make([]Field, 0, len(raw))
	for _, rf := range raw {
		fm, ok := rf.(map[string]any)
		if !ok {
			return Type{}, fmt.Errorf("schema: descriptor row field is not a map")
		}
		fname, _ := fm["name"].(string)
		ft, ok := fm["type"].(map[string]any)
		if !ok {
			return Type{}, fmt.Errorf("schema: descriptor field %q missing type", fname)
		}
		inner, err := typeFromNode(ft)
		if err != nil {
			return Type{}, err
		}
		fields = append(fields, Field{Name: fname, Type: inner})
	}
	return Type{Kind: KindRow, Fields: fields}, nil
}

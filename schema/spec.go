package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SupportedSpecSchema is the accepted schema_version of type spec files.
const SupportedSpecSchema = "v1"

type specFile struct {
	SchemaVersion string   `yaml:"schema_version"`
	Type          typeNode `yaml:"type"`
}

type typeNode struct {
	Kind   string      `yaml:"kind"`
	Fields []fieldNode `yaml:"fields"`
}

type fieldNode struct {
	Name string   `yaml:"name"`
	Type typeNode `yaml:"type"`
}

// ParseSpec parses a YAML logical-type declaration:
//
//	schema_version: v1
//	type:
//	  kind: row
//	  fields:
//	    - name: user
//	      type: {kind: string}
//	    - name: visits
//	      type: {kind: int64}
func ParseSpec(raw []byte) (Type, error) {
	var f specFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Type{}, fmt.Errorf("schema: parse spec: %w", err)
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SupportedSpecSchema
	}
	if f.SchemaVersion != SupportedSpecSchema {
		return Type{}, fmt.Errorf("schema: spec schema_version %q not supported (want %q)", f.SchemaVersion, SupportedSpecSchema)
	}
	t, err := typeFromSpec(f.Type)
	if err != nil {
		return Type{}, err
	}
	if err := Validate(t); err != nil {
		return Type{}, err
	}
	return t, nil
}

// LoadSpec reads and parses a type spec file.
func LoadSpec(path string) (Type, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Type{}, err
	}
	return ParseSpec(raw)
}

func typeFromSpec(n typeNode) (Type, error) {
	kind, ok := kindByName[n.Kind]
	if !ok {
		return Type{}, fmt.Errorf("%w: %q", ErrUnsupportedType, n.Kind)
	}
	if kind != KindRow {
		if len(n.Fields) > 0 {
			return Type{}, fmt.Errorf("schema: %s type cannot declare fields", kind)
		}
		return Type{Kind: kind}, nil
	}
	fields := make([]Field, 0, len(n.Fields))
	for _, fn := range n.Fields {
		ft, err := typeFromSpec(fn.Type)
		if err != nil {
			return Type{}, err
		}
		fields = append(fields, Field{Name: fn.Name, Type: ft})
	}
	return Type{Kind: KindRow, Fields: fields}, nil
}

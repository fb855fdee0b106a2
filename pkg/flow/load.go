package flow

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

type fileFlow struct {
	ID      string                `yaml:"id"`
	Name    string                `yaml:"name"`
	Inputs  map[string]fileInput  `yaml:"inputs"`
	Outputs map[string]fileOutput `yaml:"outputs"`
	Nodes   []fileNode            `yaml:"nodes"`
}

type fileInput struct {
	Type        ValueType `yaml:"type"`
	Default     yaml.Node `yaml:"default"`
	Description string    `yaml:"description"`
}

type fileOutput struct {
	Reference   any    `yaml:"reference"`
	Description string `yaml:"description"`
}

type fileActivate struct {
	When any `yaml:"when"`
	Is   any `yaml:"is"`
}

type fileNode struct {
	Name         string         `yaml:"name"`
	Tool         string         `yaml:"tool"`
	Inputs       map[string]any `yaml:"inputs"`
	Activate     *fileActivate  `yaml:"activate"`
	Aggregation  bool           `yaml:"aggregation"`
	EnableCache  bool           `yaml:"enable_cache"`
	CacheVersion string         `yaml:"cache_version"`
	Timeout      string         `yaml:"timeout"`
}

// LoadFile reads a YAML flow definition. A relative path is resolved against
// workingDir.
func LoadFile(workingDir, path string) (*Flow, error) {
	if !filepath.IsAbs(path) && workingDir != "" {
		path = filepath.Join(workingDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file '%s': %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if f.Name == "" {
		f.Name = filepath.Base(filepath.Dir(path))
	}
	return f, nil
}

// Parse decodes a YAML flow definition. The result is not validated.
func Parse(data []byte) (*Flow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw fileFlow
	if err := dec.Decode(&raw); err != nil {
		return nil, derrors.NewError(derrors.CodeValidation, "failed to parse flow definition", err)
	}

	f := &Flow{
		ID:      raw.ID,
		Name:    raw.Name,
		Inputs:  make(map[string]InputDefinition, len(raw.Inputs)),
		Outputs: make(map[string]OutputDefinition, len(raw.Outputs)),
		Nodes:   make([]*Node, 0, len(raw.Nodes)),
	}

	for name, in := range raw.Inputs {
		def := InputDefinition{Type: in.Type, Description: in.Description}
		if in.Default.Kind != 0 {
			var v any
			if err := in.Default.Decode(&v); err != nil {
				return nil, derrors.NewError(derrors.CodeValidation, fmt.Sprintf("invalid default for flow input '%s'", name), err)
			}
			def.Default = v
			def.HasDefault = true
		}
		f.Inputs[name] = def
	}

	for name, out := range raw.Outputs {
		f.Outputs[name] = OutputDefinition{
			Reference:   ParseAssignment(out.Reference),
			Description: out.Description,
		}
	}

	for _, rn := range raw.Nodes {
		n := &Node{
			Name:         rn.Name,
			Tool:         rn.Tool,
			Inputs:       make(map[string]InputAssignment, len(rn.Inputs)),
			Aggregation:  rn.Aggregation,
			EnableCache:  rn.EnableCache,
			CacheVersion: rn.CacheVersion,
		}
		for k, v := range rn.Inputs {
			n.Inputs[k] = ParseAssignment(v)
		}
		if rn.Activate != nil {
			n.Activate = &Condition{When: ParseAssignment(rn.Activate.When), Is: rn.Activate.Is}
		}
		if rn.Timeout != "" {
			d, err := time.ParseDuration(rn.Timeout)
			if err != nil {
				return nil, derrors.NewError(derrors.CodeValidation, fmt.Sprintf("invalid timeout for node '%s'", rn.Name), err).WithNode(rn.Name)
			}
			n.Timeout = d
		}
		f.Nodes = append(f.Nodes, n)
	}
	return f, nil
}

// InputsSchema describes the declared flow inputs for callers of the
// control surface.
func (f *Flow) InputsSchema() map[string]map[string]any {
	schema := make(map[string]map[string]any, len(f.Inputs))
	for name, def := range f.Inputs {
		entry := map[string]any{"type": string(def.Type)}
		if def.HasDefault {
			entry["default"] = def.Default
		}
		if def.Description != "" {
			entry["description"] = def.Description
		}
		schema[name] = entry
	}
	return schema
}

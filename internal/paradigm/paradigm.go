// Package paradigm implements the declarative model-sequence layer: YAML
// paradigm files describing tools with code-string affordances, parameter
// resolution (meta values and affordance values), and the runner that
// produces the callable an imperative sequence applies.
package paradigm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"normflow/internal/logging"
)

// Affordance is one named capability of a tool: an inline Go code string
// evaluated at invocation time. The code runs as the body of a function
// receiving states, tool, and params, and must set result.
type Affordance struct {
	Code   string `yaml:"code"`
	Output string `yaml:"output,omitempty"`
}

// Tool groups affordances under a name addressable as states.body.<name>.
type Tool struct {
	Affordances map[string]Affordance `yaml:"affordances"`
}

// StepSpec is one ordered step of a paradigm sequence.
type StepSpec struct {
	Name       string                 `yaml:"name"`
	Tool       string                 `yaml:"tool"`
	Affordance string                 `yaml:"affordance"`
	Params     map[string]interface{} `yaml:"params,omitempty"`
	ResultKey  string                 `yaml:"result_key"`
}

// Paradigm is one declarative environment + sequence description.
type Paradigm struct {
	Name        string          `yaml:"name"`
	Environment struct {
		Tools map[string]Tool `yaml:"tools"`
	} `yaml:"environment"`
	Sequence []StepSpec `yaml:"sequence"`
}

// LoadFile parses one paradigm YAML file.
func LoadFile(path string) (*Paradigm, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Paradigm
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("paradigm %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &p, nil
}

// LoadDir loads every *.yaml / *.yml paradigm in a directory, keyed by name.
func LoadDir(dir string) (map[string]*Paradigm, error) {
	out := map[string]*Paradigm{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[p.Name] = p
		logging.ParadigmDebug("Loaded paradigm %q (%d tools, %d steps)",
			p.Name, len(p.Environment.Tools), len(p.Sequence))
	}
	return out, nil
}

// MetaValue marks a parameter resolved from the running meta dict or from a
// states.a.b.c dotted path.
type MetaValue struct{ Key string }

// AffordanceValue marks a parameter resolved to a callable invoking the
// named affordance.
type AffordanceValue struct{ Name string }

// parseParam recognizes the YAML encodings {meta: key} and
// {affordance: name}; anything else is a literal.
func parseParam(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return v
	}
	if key, ok := m["meta"].(string); ok {
		return MetaValue{Key: key}
	}
	if name, ok := m["affordance"].(string); ok {
		return AffordanceValue{Name: name}
	}
	return v
}

// resolveMeta looks a meta key up: dotted states.* paths walk the states
// map, anything else hits the meta dict.
func resolveMeta(key string, states, meta map[string]interface{}) (interface{}, error) {
	if strings.HasPrefix(key, "states.") {
		return walkPath(states, strings.Split(key, ".")[1:])
	}
	v, ok := meta[key]
	if !ok {
		return nil, fmt.Errorf("paradigm: meta key %q not set", key)
	}
	return v, nil
}

func walkPath(root map[string]interface{}, path []string) (interface{}, error) {
	var cur interface{} = root
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("paradigm: path segment %q traverses a non-map", seg)
		}
		cur, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("paradigm: path segment %q not found", seg)
		}
	}
	return cur, nil
}

package repo

import (
	"encoding/json"
	"fmt"
	"os"

	"normflow/internal/logging"
	"normflow/internal/reference"
)

// LoadConcepts reads and validates concepts.json.
func LoadConcepts(path string) (*ConceptRepo, error) {
	var list []map[string]interface{}
	if err := readJSON(path, &list); err != nil {
		return nil, fmt.Errorf("concepts file: %w", err)
	}
	return FromJSONList(list)
}

// LoadInferences reads and validates inferences.json against the concepts.
func LoadInferences(path string, concepts *ConceptRepo) (*InferenceRepo, error) {
	var list []map[string]interface{}
	if err := readJSON(path, &list); err != nil {
		return nil, fmt.Errorf("inferences file: %w", err)
	}
	return InferencesFromJSONList(list, concepts)
}

// inputValue is the inputs.json mapping value: either a raw scalar or a
// {data, axes} document.
type inputValue struct {
	Data interface{} `json:"data"`
	Axes []string    `json:"axes"`
}

// LoadInputs reads inputs.json and seeds ground concept references.
// Returns the names of seeded concepts.
func LoadInputs(path string, concepts *ConceptRepo) ([]string, error) {
	var raw map[string]json.RawMessage
	if err := readJSON(path, &raw); err != nil {
		return nil, fmt.Errorf("inputs file: %w", err)
	}
	var seeded []string
	for name, msg := range raw {
		entry, ok := concepts.GetConcept(name)
		if !ok {
			return nil, fmt.Errorf("input for unknown concept %q", name)
		}
		var iv inputValue
		var data interface{}
		var axes []string
		if err := json.Unmarshal(msg, &iv); err == nil && iv.Data != nil {
			data = iv.Data
			axes = iv.Axes
		} else {
			// Raw value form.
			if err := json.Unmarshal(msg, &data); err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
			if entry.Concept.AxisName != "" {
				if _, isList := data.([]interface{}); isList {
					axes = []string{entry.Concept.AxisName}
				}
			}
		}
		ref, err := reference.FromData(data, axes)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		if err := concepts.SetReference(name, ref); err != nil {
			return nil, err
		}
		seeded = append(seeded, name)
		logging.RepoDebug("Seeded input %q axes=%v shape=%v", name, ref.Axes(), ref.Shape())
	}
	logging.Repo("Inputs loaded: %d concepts seeded", len(seeded))
	return seeded, nil
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

package checkpoint

import (
	"encoding/json"
	"strconv"

	"normflow/internal/blackboard"
	"normflow/internal/reference"
	"normflow/internal/repo"
)

// StateDoc is the serialized run state stored in one checkpoint row.
type StateDoc struct {
	Blackboard *blackboard.Snapshot            `json:"blackboard"`
	References map[string]reference.Serialized `json:"references"`

	// Signatures recorded at save time, compared against the live repos on
	// load to decide what a PATCH keeps.
	ConceptSignatures map[string]string `json:"concept_signatures"`
	ItemSignatures    map[string]string `json:"item_signatures"`

	// Workspace carries loop records and pending filters keyed as the
	// syntax workspace keys them.
	Workspace map[string]interface{} `json:"workspace,omitempty"`
}

// CaptureState assembles a StateDoc from the live run structures.
func CaptureState(concepts *repo.ConceptRepo, inferences *repo.InferenceRepo, board *blackboard.Blackboard) *StateDoc {
	doc := &StateDoc{
		Blackboard:        board.Snapshot(),
		References:        map[string]reference.Serialized{},
		ConceptSignatures: map[string]string{},
		ItemSignatures:    map[string]string{},
	}
	for _, entry := range concepts.GetAllConcepts() {
		doc.ConceptSignatures[entry.Concept.Name] = entry.Signature
		if entry.Reference != nil && entry.Reference.HasData() {
			doc.References[entry.Concept.Name] = entry.Reference.Serialize()
		}
	}
	for _, e := range inferences.All() {
		doc.ItemSignatures[e.FlowIndex()] = e.Signature
	}
	return doc
}

// decodeStateDoc parses stored JSON and repairs what generic decoding
// mangles: map keys that were integers before serialization come back as
// strings and are restored.
func decodeStateDoc(raw []byte) (*StateDoc, error) {
	var doc StateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc.Workspace = restoreNumericKeys(doc.Workspace)
	return &doc, nil
}

// restoreNumericKeys walks nested map[string]interface{} values and, where
// every key of a map parses as an integer, rewrites the map with int keys
// re-encoded as canonical strings (strconv form, no leading zeros). Loop
// record indices survive a JSON round trip this way.
func restoreNumericKeys(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if n, err := strconv.Atoi(k); err == nil {
			k = strconv.Itoa(n)
		}
		if child, ok := v.(map[string]interface{}); ok {
			v = restoreNumericKeys(child)
		}
		out[k] = v
	}
	return out
}

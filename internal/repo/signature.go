package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Signatures are stable hashes over declarative content. A signature changes
// when - and only when - a repo edit would require re-running anything that
// depends on the signed entity. PATCH reconciliation compares checkpointed
// signatures against freshly computed ones to decide what survives a resume.

// ConceptSignature hashes the concept's declarative fields. When the concept
// names a defining script or prompt file, the file's content participates so
// that editing the file invalidates dependent checkpointed values.
func ConceptSignature(c *Concept) (string, error) {
	doc := map[string]interface{}{
		"type":      c.Type,
		"context":   c.Context,
		"axis_name": c.AxisName,
	}
	if c.FaceValue != "" {
		doc["face_value"] = c.FaceValue
	}
	if c.ScriptPath != "" {
		doc["script"] = fileDigest(c.ScriptPath)
	}
	if c.PromptFile != "" {
		doc["prompt"] = fileDigest(c.PromptFile)
	}
	return stableHash(doc)
}

// InferenceSignature hashes every declarative field of the entry, including
// the full working interpretation.
func InferenceSignature(e *InferenceEntry) (string, error) {
	doc := map[string]interface{}{
		"concept_to_infer":       e.ConceptToInfer,
		"value_concepts":         e.ValueConcepts,
		"context_concepts":       e.ContextConcepts,
		"function_concept":       e.FunctionConcept,
		"working_interpretation": e.WorkingInterpretation,
		"inference_sequence":     e.InferenceSequence,
		"flow_index":             e.FlowInfo.FlowIndex,
	}
	return stableHash(doc)
}

// stableHash renders the document as canonical JSON (sorted keys, the
// encoding/json default for maps) and returns its sha256 hex digest.
func stableHash(doc map[string]interface{}) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("signature marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// fileDigest hashes a referenced file's content; a missing file contributes
// a distinct marker so the signature still changes when the file appears.
func fileDigest(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "missing:" + path
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// remarshal converts a generic decoded map into a typed struct.
func remarshal(raw map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

package repo

import (
	"os"
	"path/filepath"
	"testing"
)

func conceptList() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"concept_name":      "{number pair}",
			"type":              TypeSemantical,
			"context":           "arithmetic",
			"axis_name":         "pair",
			"is_ground_concept": true,
		},
		{
			"concept_name": "{sum}",
			"type":         TypeSemantical,
			"context":      "arithmetic",
			"axis_name":    "pair",
		},
		{
			"concept_name": "add",
			"type":         TypeInferential,
			"context":      "arithmetic",
			"face_value":   "+",
		},
	}
}

func TestConceptRepo_FromJSONList(t *testing.T) {
	cr, err := FromJSONList(conceptList())
	if err != nil {
		t.Fatalf("FromJSONList failed: %v", err)
	}
	entry, ok := cr.GetConcept("{number pair}")
	if !ok {
		t.Fatal("Expected concept present")
	}
	if !entry.IsGround {
		t.Error("Expected ground concept")
	}
	if entry.Signature == "" {
		t.Error("Expected signature computed")
	}
	if len(cr.GetAllConcepts()) != 3 {
		t.Errorf("Expected 3 concepts, got %d", len(cr.GetAllConcepts()))
	}
}

func TestConceptRepo_DuplicateRejected(t *testing.T) {
	list := conceptList()
	list = append(list, list[0])
	if _, err := FromJSONList(list); err == nil {
		t.Fatal("Expected duplicate name error")
	}
}

func TestConceptRepo_AddReference(t *testing.T) {
	cr, _ := FromJSONList(conceptList())
	err := cr.AddReference("{sum}", []interface{}{"7", "7"}, []string{"pair"})
	if err != nil {
		t.Fatalf("AddReference failed: %v", err)
	}
	entry, _ := cr.GetConcept("{sum}")
	if entry.Reference == nil || entry.Reference.AxisSize("pair") != 2 {
		t.Error("Reference not attached correctly")
	}
	if err := cr.AddReference("{missing}", nil, nil); err == nil {
		t.Error("Expected unknown concept error")
	}
}

func inferenceList() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"concept_to_infer":   "{sum}",
			"value_concepts":     []interface{}{"{number pair}"},
			"context_concepts":   []interface{}{},
			"function_concept":   "add",
			"inference_sequence": "imperative",
			"working_interpretation": map[string]interface{}{
				"value_order": map[string]interface{}{"digit": 0},
			},
			"flow_info": map[string]interface{}{"flow_index": "1"},
		},
	}
}

func TestInferenceRepo_FromJSONList(t *testing.T) {
	cr, _ := FromJSONList(conceptList())
	ir, err := InferencesFromJSONList(inferenceList(), cr)
	if err != nil {
		t.Fatalf("InferencesFromJSONList failed: %v", err)
	}
	e, ok := ir.Get("1")
	if !ok {
		t.Fatal("Expected inference at flow index 1")
	}
	if e.ConceptToInfer != "{sum}" || e.FunctionConcept != "add" {
		t.Errorf("Entry not parsed: %+v", e)
	}
	if e.Signature == "" {
		t.Error("Expected inference signature")
	}
	// Flow index bookkeeping on concepts.
	entry, _ := cr.GetConcept("{sum}")
	if len(entry.FlowIndices) != 1 || entry.FlowIndices[0] != "1" {
		t.Errorf("Flow indices not recorded: %v", entry.FlowIndices)
	}
}

func TestInferenceRepo_UnknownSequenceRejected(t *testing.T) {
	cr, _ := FromJSONList(conceptList())
	list := inferenceList()
	list[0]["inference_sequence"] = "telepathy"
	if _, err := InferencesFromJSONList(list, cr); err == nil {
		t.Fatal("Expected unknown sequence error")
	}
}

func TestInferenceRepo_UnknownConceptRejected(t *testing.T) {
	cr, _ := FromJSONList(conceptList())
	list := inferenceList()
	list[0]["value_concepts"] = []interface{}{"{ghost}"}
	if _, err := InferencesFromJSONList(list, cr); err == nil {
		t.Fatal("Expected unknown concept error")
	}
}

func TestFlowIndexHelpers(t *testing.T) {
	if ParentFlowIndex("1.2.3") != "1.2" {
		t.Errorf("ParentFlowIndex wrong: %s", ParentFlowIndex("1.2.3"))
	}
	if ParentFlowIndex("1") != "" {
		t.Error("Root flow index should have empty parent")
	}
	if !IsDescendant("1.2.3", "1.2") || !IsDescendant("1.2.3", "1") {
		t.Error("Descendant detection failed")
	}
	if IsDescendant("1.23", "1.2") {
		t.Error("Prefix without dot boundary must not count as descendant")
	}
}

func TestConceptSignature_ChangesWithPromptFile(t *testing.T) {
	dir := t.TempDir()
	prompt := filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(prompt, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Concept{Name: "c", Type: TypeInferential, Context: "x", PromptFile: prompt}
	sig1, err := ConceptSignature(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(prompt, []byte("edited"), 0644); err != nil {
		t.Fatal(err)
	}
	sig2, err := ConceptSignature(c)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 == sig2 {
		t.Error("Signature must change when the prompt file is edited")
	}
}

func TestInferenceSignature_SensitiveToWorkingInterpretation(t *testing.T) {
	e1 := &InferenceEntry{
		ConceptToInfer:        "{sum}",
		InferenceSequence:     "imperative",
		WorkingInterpretation: map[string]interface{}{"k": "v1"},
		FlowInfo:              FlowInfo{FlowIndex: "1"},
	}
	e2 := &InferenceEntry{
		ConceptToInfer:        "{sum}",
		InferenceSequence:     "imperative",
		WorkingInterpretation: map[string]interface{}{"k": "v2"},
		FlowInfo:              FlowInfo{FlowIndex: "1"},
	}
	s1, _ := InferenceSignature(e1)
	s2, _ := InferenceSignature(e2)
	if s1 == s2 {
		t.Error("Signature must be sensitive to working_interpretation")
	}
}

func TestLoaders_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cp := writeFile("concepts.json", `[
		{"concept_name": "{number pair}", "type": "semantical", "context": "t", "axis_name": "pair", "is_ground_concept": true},
		{"concept_name": "{sum}", "type": "semantical", "context": "t"}
	]`)
	ip := writeFile("inferences.json", `[
		{"concept_to_infer": "{sum}", "value_concepts": ["{number pair}"],
		 "inference_sequence": "simple", "flow_info": {"flow_index": "1"}}
	]`)
	inp := writeFile("inputs.json", `{
		"{number pair}": {"data": [["5","2"],["3","4"]], "axes": ["pair","digit"]}
	}`)

	cr, err := LoadConcepts(cp)
	if err != nil {
		t.Fatalf("LoadConcepts: %v", err)
	}
	if _, err := LoadInferences(ip, cr); err != nil {
		t.Fatalf("LoadInferences: %v", err)
	}
	seeded, err := LoadInputs(inp, cr)
	if err != nil {
		t.Fatalf("LoadInputs: %v", err)
	}
	if len(seeded) != 1 || seeded[0] != "{number pair}" {
		t.Errorf("Unexpected seeded concepts: %v", seeded)
	}
	entry, _ := cr.GetConcept("{number pair}")
	if entry.Reference == nil || entry.Reference.AxisSize("digit") != 2 {
		t.Error("Input reference not seeded")
	}
}

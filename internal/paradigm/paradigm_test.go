package paradigm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"normflow/internal/perception"
	"normflow/internal/repo"
	"normflow/internal/sequence"
	"normflow/internal/types"
)

func TestLoadFile_ParsesToolsAndSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "echo.yaml")
	doc := `
name: echo
environment:
  tools:
    speaker:
      affordances:
        say:
          code: |
            result = params["text"]
sequence:
  - name: speak
    tool: speaker
    affordance: say
    params:
      text: hello
    result_key: spoken
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "echo" || len(p.Sequence) != 1 {
		t.Fatalf("Parsed paradigm wrong: %+v", p)
	}
	if _, ok := p.Environment.Tools["speaker"].Affordances["say"]; !ok {
		t.Fatal("Affordance not parsed")
	}
}

func TestRunSequence_LiteralParams(t *testing.T) {
	p := &Paradigm{Name: "echo"}
	p.Environment.Tools = map[string]Tool{
		"speaker": {Affordances: map[string]Affordance{
			"say": {Code: `result = params["text"]`},
		}},
	}
	p.Sequence = []StepSpec{{
		Name: "speak", Tool: "speaker", Affordance: "say",
		Params:    map[string]interface{}{"text": "hello"},
		ResultKey: "spoken",
	}}

	r := NewModelSequenceRunner(nil, nil)
	states := map[string]interface{}{"body": map[string]interface{}{"speaker": map[string]interface{}{}}}
	results, err := r.RunSequence(context.Background(), p, states, map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if results["spoken"] != "hello" {
		t.Errorf("spoken = %v", results["spoken"])
	}
}

func TestRunSequence_MetaAndChainedResults(t *testing.T) {
	p := &Paradigm{Name: "chain"}
	p.Environment.Tools = map[string]Tool{
		"t": {Affordances: map[string]Affordance{
			"pass": {Code: `result = params["v"]`},
		}},
	}
	p.Sequence = []StepSpec{
		{Name: "first", Tool: "t", Affordance: "pass",
			Params:    map[string]interface{}{"v": map[string]interface{}{"meta": "seed"}},
			ResultKey: "a"},
		{Name: "second", Tool: "t", Affordance: "pass",
			Params:    map[string]interface{}{"v": map[string]interface{}{"meta": "a"}},
			ResultKey: "b"},
	}
	r := NewModelSequenceRunner(nil, nil)
	results, err := r.RunSequence(context.Background(), p,
		map[string]interface{}{}, map[string]interface{}{"seed": 42})
	if err != nil {
		t.Fatal(err)
	}
	if results["b"] != 42 {
		t.Errorf("Chained meta value = %v", results["b"])
	}
}

func TestResolveMeta_StatesPath(t *testing.T) {
	states := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": "deep"}},
	}
	got, err := resolveMeta("states.a.b.c", states, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "deep" {
		t.Errorf("Dotted path resolved to %v", got)
	}
	if _, err := resolveMeta("states.a.missing", states, nil); err == nil {
		t.Error("Missing path segment should error")
	}
}

func TestEvalInferenceCode_Addition(t *testing.T) {
	code := `
n1, _ := inputs["input_1"].(string)
n2, _ := inputs["input_2"].(string)
a, err := strconv.Atoi(n1)
if err != nil {
	return nil, err
}
b, err := strconv.Atoi(n2)
if err != nil {
	return nil, err
}
result = strconv.Itoa(a + b)
`
	fn, err := EvalInferenceCode(context.Background(), code)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn(map[string]interface{}{"input_1": "5", "input_2": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "7" {
		t.Errorf("Interpreted addition = %v", got)
	}
}

func TestEvalInferenceCode_RejectsForbiddenImports(t *testing.T) {
	code := `
import "os/exec"
result = nil
`
	if _, err := EvalInferenceCode(context.Background(), code); err == nil {
		t.Error("os/exec import must be rejected")
	}
}

func TestProvideFunction_PythonVariantUsesCode(t *testing.T) {
	r := NewModelSequenceRunner(nil, nil)
	req := &sequence.FunctionRequest{
		Entry: &repo.InferenceEntry{
			InferenceSequence: "imperative_python",
			FlowInfo:          repo.FlowInfo{FlowIndex: "1"},
		},
		Function: &repo.Concept{
			Name:      "{double}",
			FaceValue: `result = fmt.Sprint(inputs["input_1"]) + fmt.Sprint(inputs["input_1"])`,
		},
		Interp: map[string]interface{}{},
	}
	fn, err := r.ProvideFunction(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn(map[string]interface{}{"input_1": "ab"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "abab" {
		t.Errorf("Interpreted callable = %v", got)
	}
}

func TestProvideFunction_ModelVariantCallsClient(t *testing.T) {
	llm := perception.NewScripted("42")
	r := NewModelSequenceRunner(llm, nil)
	req := &sequence.FunctionRequest{
		Entry: &repo.InferenceEntry{
			InferenceSequence: "imperative",
			FlowInfo:          repo.FlowInfo{FlowIndex: "1"},
		},
		Interp: map[string]interface{}{"prompt": "what is {input_1} plus {input_2}?"},
	}
	fn, err := r.ProvideFunction(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn(map[string]interface{}{"input_1": "40", "input_2": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "42" {
		t.Errorf("Model callable = %v", got)
	}
	if len(llm.Calls) != 1 || llm.Calls[0] != "what is 40 plus 2?" {
		t.Errorf("Rendered prompt = %v", llm.Calls)
	}
}

func TestProvideFunction_InputVariantInteraction(t *testing.T) {
	r := NewModelSequenceRunner(nil, nil)
	req := &sequence.FunctionRequest{
		Entry: &repo.InferenceEntry{
			InferenceSequence: "imperative_input",
			FlowInfo:          repo.FlowInfo{FlowIndex: "3"},
		},
		Interp: map[string]interface{}{"prompt": "enter a value"},
	}
	fn, err := r.ProvideFunction(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fn(map[string]interface{}{"input_1": "x"})
	var interaction *types.NeedsUserInteraction
	if !errors.As(err, &interaction) {
		t.Fatalf("First call must raise NeedsUserInteraction, got %v", err)
	}

	r.ProvideResponse(interaction.InteractionID, "answered")
	got, err := fn(map[string]interface{}{"input_1": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "answered" {
		t.Errorf("Provided response = %v", got)
	}
}

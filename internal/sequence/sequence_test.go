package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"normflow/internal/blackboard"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/syntax"
	"normflow/internal/types"
)

// stubProvider returns a fixed callable (or error) for every request.
type stubProvider struct {
	fn  Callable
	err error
}

func (p *stubProvider) ProvideFunction(_ context.Context, _ *FunctionRequest) (Callable, error) {
	return p.fn, p.err
}

func addDigits(inputs map[string]interface{}) (interface{}, error) {
	total := 0
	for i := 1; ; i++ {
		v, ok := inputs[fmt.Sprintf("input_%d", i)]
		if !ok {
			break
		}
		n, err := strconv.Atoi(fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		total += n
	}
	return strconv.Itoa(total), nil
}

type env struct {
	concepts *repo.ConceptRepo
	board    *blackboard.Blackboard
	ws       *syntax.Workspace
	runner   *Runner
}

func newEnv(t *testing.T, fn Callable) *env {
	t.Helper()
	e := &env{
		concepts: repo.NewConceptRepo(),
		board:    blackboard.New(),
		ws:       syntax.NewWorkspace(),
	}
	e.runner = &Runner{
		Concepts:  e.concepts,
		Board:     e.board,
		Workspace: e.ws,
		Provider:  &stubProvider{fn: fn},
		Opts:      reference.ApplyOptions{DevMode: true},
	}
	return e
}

func (e *env) addConcept(t *testing.T, name string, ref *reference.Reference) {
	t.Helper()
	if err := e.concepts.AddConcept(&repo.Concept{Name: name, Type: repo.TypeSemantical, Context: "t"}, false, false); err != nil {
		t.Fatal(err)
	}
	if ref != nil {
		if err := e.concepts.SetReference(name, ref); err != nil {
			t.Fatal(err)
		}
		e.board.SetConceptStatus(name, types.ConceptComplete)
	}
}

func TestRun_ImperativeAddition(t *testing.T) {
	e := newEnv(t, addDigits)
	pairs := reference.MustFromData([]interface{}{
		[]interface{}{"5", "2"},
		[]interface{}{"3", "4"},
	}, []string{"pair", "digit"})
	e.addConcept(t, "{number pair}", pairs)
	e.addConcept(t, "{sum}", nil)
	e.addConcept(t, "{add}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{sum}",
		ValueConcepts:     []string{"{number pair}"},
		FunctionConcept:   "{add}",
		InferenceSequence: "imperative",
		WorkingInterpretation: map[string]interface{}{
			"value_order": map[string]interface{}{"digit": float64(0)},
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "1"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted || res.Detail != types.DetailSuccess {
		t.Fatalf("Unexpected result: %+v", res)
	}
	ce, _ := e.concepts.GetConcept("{sum}")
	if ce.Reference == nil {
		t.Fatal("Output not published")
	}
	if got := ce.Reference.Axes(); len(got) != 1 || got[0] != "pair" {
		t.Errorf("Expected axes [pair], got %v", got)
	}
	for i := 0; i < 2; i++ {
		v, _ := ce.Reference.Get([]int{i})
		if v != "7" {
			t.Errorf("Sum at %d = %v", i, v)
		}
	}
	if res.Annotated == nil {
		t.Fatal("MIA should produce the annotated form")
	}
	if v, _ := res.Annotated.Get([]int{0}); v != "%(7)" {
		t.Errorf("Annotated cell = %v", v)
	}
}

func TestRun_JudgementPublishesTruthMask(t *testing.T) {
	relevant := func(inputs map[string]interface{}) (interface{}, error) {
		return inputs["input_1"] != "spam", nil
	}
	e := newEnv(t, relevant)
	docs := reference.MustFromData([]interface{}{"news", "spam", "mail"}, []string{"document"})
	e.addConcept(t, "{documents}", docs)
	e.addConcept(t, "{relevant}", nil)
	e.addConcept(t, "{judge}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:        "{relevant}",
		ValueConcepts:         []string{"{documents}"},
		FunctionConcept:       "{judge}",
		InferenceSequence:     "judgement",
		WorkingInterpretation: map[string]interface{}{"filter_axis": "document"},
		FlowInfo:              repo.FlowInfo{FlowIndex: "2"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Unexpected result: %+v", res)
	}
	mask, ok := e.board.TruthMaskFor("{relevant}")
	if !ok {
		t.Fatal("Truth mask not published")
	}
	if mask.FilterAxis != "document" {
		t.Errorf("Filter axis = %q", mask.FilterAxis)
	}
	v, _ := mask.Mask.Get([]int{1})
	if v != blackboard.TruthFalse {
		t.Errorf("Mask at spam = %v", v)
	}
	v, _ = mask.Mask.Get([]int{0})
	if v != blackboard.TruthTrue {
		t.Errorf("Mask at news = %v", v)
	}
}

func TestCollapseTruth_VacuousRules(t *testing.T) {
	got, err := collapseTruth("@all", nil)
	if err != nil || !got {
		t.Error("Empty @all must be vacuously true")
	}
	for _, q := range []string{"@some", "@exists"} {
		got, err = collapseTruth(q, nil)
		if err != nil || got {
			t.Errorf("Empty %s must be vacuously false", q)
		}
	}
	got, _ = collapseTruth("@all", []interface{}{blackboard.TruthTrue, reference.SkipValue})
	if !got {
		t.Error("Skip cells must not count against @all")
	}
	if _, err = collapseTruth("@most", nil); err == nil {
		t.Error("Unknown quantifier must error")
	}
}

func TestRun_GroupingPublishesGrouped(t *testing.T) {
	e := newEnv(t, nil)
	scores := reference.MustFromData([]interface{}{
		[]interface{}{1, 2},
		[]interface{}{3, 4},
	}, []string{"student", "score"})
	e.addConcept(t, "{scores}", scores)
	e.addConcept(t, "{per student}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{per student}",
		ValueConcepts:     []string{"{scores}"},
		InferenceSequence: "grouping",
		WorkingInterpretation: map[string]interface{}{
			"by_axes": []interface{}{"student"},
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "3"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Unexpected result: %+v", res)
	}
	ce, _ := e.concepts.GetConcept("{per student}")
	if ce.Reference.AxisIndex("student") != 0 {
		t.Errorf("Grouped axes = %v", ce.Reference.Axes())
	}
}

func TestRun_QuantifyingLoopsPerElement(t *testing.T) {
	mean := func(inputs map[string]interface{}) (interface{}, error) {
		tuple, ok := inputs["input_1"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected tuple, got %T", inputs["input_1"])
		}
		scores, ok := tuple[0].([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected scores list, got %T", tuple[0])
		}
		total := 0
		for _, s := range scores {
			total += s.(int)
		}
		return total / len(scores), nil
	}
	e := newEnv(t, mean)
	scores := reference.MustFromData([]interface{}{
		[]interface{}{1, 3},
		[]interface{}{5, 7},
	}, []string{"student", "score"})
	e.addConcept(t, "{scores}", scores)
	e.addConcept(t, "{average}", nil)
	e.addConcept(t, "{mean}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{average}",
		ValueConcepts:     []string{"{scores}"},
		FunctionConcept:   "{mean}",
		InferenceSequence: "quantifying",
		WorkingInterpretation: map[string]interface{}{
			"by_axes":        []interface{}{"student"},
			"loop_base_axis": "student",
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "4"},
	}

	// One retry per student, then a final completing attempt.
	for i := 0; i < 2; i++ {
		res, err := e.runner.Run(context.Background(), entry)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeNeedsRetry {
			t.Fatalf("Attempt %d: expected needs_retry, got %+v", i, res)
		}
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Final attempt: %+v", res)
	}
	ce, _ := e.concepts.GetConcept("{average}")
	if ce.Reference == nil {
		t.Fatal("Combined output not published")
	}
	if ce.Reference.AxisSize("student") != 2 {
		t.Errorf("Expected one average per student, got %v / %v",
			ce.Reference.Axes(), ce.Reference.Shape())
	}
	averages := map[interface{}]bool{}
	ce.Reference.Each(func(_ []int, v interface{}) { averages[v] = true })
	if !averages[2] || !averages[6] {
		t.Errorf("Averages = %v", averages)
	}
}

func TestRun_EmptyLoopCompletesImmediately(t *testing.T) {
	e := newEnv(t, nil)
	e.addConcept(t, "{items}", reference.Empty("item"))
	e.addConcept(t, "{out}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{out}",
		ValueConcepts:     []string{"{items}"},
		InferenceSequence: "quantifying",
		WorkingInterpretation: map[string]interface{}{
			"grouping_marker": syntax.GroupOrAcross,
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "5"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Empty loop should complete in one attempt: %+v", res)
	}
}

func TestRun_AssigningIdentity(t *testing.T) {
	e := newEnv(t, nil)
	e.addConcept(t, "{a}", reference.MustFromData([]interface{}{1}, []string{"n"}))
	e.addConcept(t, "{b}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{b}",
		ValueConcepts:     []string{"{a}"},
		InferenceSequence: "assigning",
		WorkingInterpretation: map[string]interface{}{
			"assigning_marker": "=",
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "6"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Unexpected result: %+v", res)
	}
	if res.Output != nil {
		t.Error("Identity assignment must not produce a reference")
	}
	if e.board.GetConceptStatus("{b}") != types.ConceptComplete {
		t.Error("Alias should report complete through identity")
	}
}

func TestRun_AssigningContinuation(t *testing.T) {
	e := newEnv(t, nil)
	e.addConcept(t, "{list}", reference.MustFromData([]interface{}{1, 2}, []string{"n"}))
	e.addConcept(t, "{more}", reference.MustFromData([]interface{}{3}, []string{"n"}))

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{list}",
		ValueConcepts:     []string{"{more}"},
		InferenceSequence: "assigning",
		WorkingInterpretation: map[string]interface{}{
			"assigning_marker": "+",
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "7"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Unexpected result: %+v", res)
	}
	ce, _ := e.concepts.GetConcept("{list}")
	if ce.Reference.AxisSize("n") != 3 {
		t.Errorf("Continuation shape = %v", ce.Reference.Shape())
	}
}

func TestRun_TimingRetriesUntilReady(t *testing.T) {
	e := newEnv(t, nil)
	entry := &repo.InferenceEntry{
		InferenceSequence: "timing",
		WorkingInterpretation: map[string]interface{}{
			"timing_condition": "@after {gate}",
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "1.1"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNeedsRetry {
		t.Fatalf("Unready condition should retry: %+v", res)
	}
	e.board.SetConceptStatus("{gate}", types.ConceptComplete)
	res, err = e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted || res.Detail != types.DetailSuccess {
		t.Fatalf("Ready condition should complete: %+v", res)
	}
}

func TestRun_TimingConditionNotMet(t *testing.T) {
	e := newEnv(t, nil)
	e.board.MapConceptToFlowIndex("{judged}", "2")
	e.board.SetItemStatus("2", types.ItemCompleted)
	e.board.SetCompletionDetail("2", types.DetailConditionNotMet)

	entry := &repo.InferenceEntry{
		InferenceSequence: "timing",
		WorkingInterpretation: map[string]interface{}{
			"timing_condition": "@if {judged}",
		},
		FlowInfo: repo.FlowInfo{FlowIndex: "1.1"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted || res.Detail != types.DetailConditionNotMet {
		t.Fatalf("Skipped guard should complete with condition_not_met: %+v", res)
	}
}

func TestRun_FilterConsumedByIR(t *testing.T) {
	e := newEnv(t, nil)
	docs := reference.MustFromData([]interface{}{"a", "b", "c"}, []string{"document"})
	e.addConcept(t, "{docs}", docs)
	e.addConcept(t, "{kept}", nil)

	mask := &blackboard.TruthMask{
		Mask: reference.MustFromData(
			[]interface{}{blackboard.TruthTrue, blackboard.TruthFalse, blackboard.TruthTrue},
			[]string{"document"}),
		FilterAxis: "document",
	}
	e.ws.AppendFilter("8", syntax.FilterSpec{Concept: "{judged}", Mask: mask})

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{kept}",
		ValueConcepts:     []string{"{docs}"},
		InferenceSequence: "simple",
		FlowInfo:          repo.FlowInfo{FlowIndex: "8"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Unexpected result: %+v", res)
	}
	ce, _ := e.concepts.GetConcept("{kept}")
	v, _ := ce.Reference.Get([]int{1})
	if v != reference.SkipValue {
		t.Errorf("Masked document should be skipped, got %v", v)
	}
	if e.ws.HasFilters("8") {
		t.Error("Filter key must be consumed by IR")
	}
}

func TestRun_NeedsUserInteractionEscapes(t *testing.T) {
	e := newEnv(t, nil)
	e.runner.Provider = &stubProvider{err: &types.NeedsUserInteraction{
		InteractionID: "q1",
		Prompt:        "pick one",
	}}
	docs := reference.MustFromData([]interface{}{"a"}, []string{"n"})
	e.addConcept(t, "{in}", docs)
	e.addConcept(t, "{out}", nil)
	e.addConcept(t, "{fn}", nil)

	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{out}",
		ValueConcepts:     []string{"{in}"},
		FunctionConcept:   "{fn}",
		InferenceSequence: "imperative",
		FlowInfo:          repo.FlowInfo{FlowIndex: "9"},
	}
	_, err := e.runner.Run(context.Background(), entry)
	var interaction *types.NeedsUserInteraction
	if !errors.As(err, &interaction) {
		t.Fatalf("NeedsUserInteraction must escape the runner, got %v", err)
	}
	if interaction.InteractionID != "q1" {
		t.Errorf("Interaction ID lost: %+v", interaction)
	}
}

func TestRun_StepFailureMarksFailed(t *testing.T) {
	e := newEnv(t, nil)
	entry := &repo.InferenceEntry{
		ConceptToInfer:    "{out}",
		ValueConcepts:     []string{"{missing}"},
		InferenceSequence: "simple",
		FlowInfo:          repo.FlowInfo{FlowIndex: "10"},
	}
	res, err := e.runner.Run(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Fatalf("Missing input concept should fail the item: %+v", res)
	}
}

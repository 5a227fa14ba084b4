package paradigm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"normflow/internal/events"
	"normflow/internal/logging"
	"normflow/internal/perception"
	"normflow/internal/sequence"
	"normflow/internal/types"
)

// ModelSequenceRunner executes paradigm sequences and implements the
// sequence.FunctionProvider used by MFP: it turns a function concept into
// the callable the rest of the variant applies.
type ModelSequenceRunner struct {
	LLM       perception.Client
	Paradigms map[string]*Paradigm
	Emitter   events.Emitter

	mu        sync.Mutex
	responses map[string]interface{}
}

// NewModelSequenceRunner wires a runner over a client and loaded paradigms.
func NewModelSequenceRunner(llm perception.Client, paradigms map[string]*Paradigm) *ModelSequenceRunner {
	if paradigms == nil {
		paradigms = map[string]*Paradigm{}
	}
	return &ModelSequenceRunner{
		LLM:       llm,
		Paradigms: paradigms,
		responses: map[string]interface{}{},
	}
}

// ProvideResponse records a user-supplied answer for a pending interaction;
// the next retry of the blocked item picks it up.
func (r *ModelSequenceRunner) ProvideResponse(interactionID string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[interactionID] = value
}

func (r *ModelSequenceRunner) takeResponse(interactionID string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.responses[interactionID]
	if ok {
		delete(r.responses, interactionID)
	}
	return v, ok
}

// ProvideFunction implements sequence.FunctionProvider.
func (r *ModelSequenceRunner) ProvideFunction(ctx context.Context, req *sequence.FunctionRequest) (sequence.Callable, error) {
	seq := req.Entry.InferenceSequence

	// An explicit paradigm reference wins.
	if name, ok := req.Interp["paradigm"].(string); ok && name != "" {
		p, ok := r.Paradigms[name]
		if !ok {
			return nil, fmt.Errorf("paradigm: %q not loaded", name)
		}
		return r.callableFromSequence(ctx, p, req)
	}

	// Input variants ask the user rather than a model.
	if strings.Contains(seq, "input") {
		return r.interactionCallable(req), nil
	}

	// Python / direct variants interpret the function concept's code.
	if strings.Contains(seq, "python") || strings.Contains(seq, "direct") {
		code, err := functionCode(req)
		if err != nil {
			return nil, err
		}
		fn, err := EvalInferenceCode(ctx, code)
		if err != nil {
			return nil, err
		}
		return sequence.Callable(fn), nil
	}

	// Default: a model-backed callable.
	return r.modelCallable(req)
}

// functionCode reads the function concept's code: inline face value first,
// then the script file.
func functionCode(req *sequence.FunctionRequest) (string, error) {
	if req.Function == nil {
		return "", fmt.Errorf("paradigm: %s declares no function concept", req.Entry.FlowIndex())
	}
	if req.Function.FaceValue != "" {
		return req.Function.FaceValue, nil
	}
	if req.Function.ScriptPath != "" {
		raw, err := os.ReadFile(req.Function.ScriptPath)
		if err != nil {
			return "", fmt.Errorf("paradigm: reading script for %q: %w", req.Function.Name, err)
		}
		return string(raw), nil
	}
	return "", fmt.Errorf("paradigm: function concept %q has neither face value nor script", req.Function.Name)
}

// promptTemplate reads the prompt for a model callable: working
// interpretation first, then the function concept's prompt file or face
// value.
func promptTemplate(req *sequence.FunctionRequest) (string, error) {
	if p, ok := req.Interp["prompt"].(string); ok && p != "" {
		return p, nil
	}
	if req.Function != nil {
		if req.Function.PromptFile != "" {
			raw, err := os.ReadFile(req.Function.PromptFile)
			if err != nil {
				return "", fmt.Errorf("paradigm: reading prompt for %q: %w", req.Function.Name, err)
			}
			return string(raw), nil
		}
		if req.Function.FaceValue != "" {
			return req.Function.FaceValue, nil
		}
	}
	return "", fmt.Errorf("paradigm: %s has no prompt template", req.Entry.FlowIndex())
}

// modelCallable renders the template against each input dict and completes
// it with the model.
func (r *ModelSequenceRunner) modelCallable(req *sequence.FunctionRequest) (sequence.Callable, error) {
	if r.LLM == nil {
		return nil, fmt.Errorf("paradigm: no model client configured")
	}
	tpl, err := promptTemplate(req)
	if err != nil {
		return nil, err
	}
	system, _ := req.Interp["system_prompt"].(string)
	emitter := r.emitter()
	flowIndex := req.Entry.FlowIndex()
	llm := r.LLM
	return func(inputs map[string]interface{}) (interface{}, error) {
		prompt := renderTemplate(tpl, inputs)
		emitter.Emit(events.ToolCallStarted, map[string]interface{}{
			"flow_index": flowIndex, "tool": "model",
		})
		out, err := llm.CompleteWithSystem(context.Background(), system, prompt)
		emitter.Emit(events.ToolCallCompleted, map[string]interface{}{
			"flow_index": flowIndex, "tool": "model", "ok": err == nil,
		})
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(out), nil
	}, nil
}

// interactionCallable produces a callable that asks the user: it raises
// NeedsUserInteraction until a response for its interaction ID is provided.
func (r *ModelSequenceRunner) interactionCallable(req *sequence.FunctionRequest) sequence.Callable {
	flowIndex := req.Entry.FlowIndex()
	prompt, _ := req.Interp["prompt"].(string)
	return func(inputs map[string]interface{}) (interface{}, error) {
		id := "input:" + flowIndex
		if v, ok := r.takeResponse(id); ok {
			return v, nil
		}
		return nil, &types.NeedsUserInteraction{
			InteractionID: id,
			Prompt:        prompt,
			Params:        inputs,
		}
	}
}

// renderTemplate substitutes {key} placeholders from the inputs map.
func renderTemplate(tpl string, inputs map[string]interface{}) string {
	out := tpl
	for k, v := range inputs {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}

func (r *ModelSequenceRunner) emitter() events.Emitter {
	if r.Emitter != nil {
		return r.Emitter
	}
	return events.Nop{}
}

// callableFromSequence runs the paradigm's declared step sequence; the final
// step's result must be the callable.
func (r *ModelSequenceRunner) callableFromSequence(ctx context.Context, p *Paradigm, req *sequence.FunctionRequest) (sequence.Callable, error) {
	meta := map[string]interface{}{}
	for k, v := range req.Interp {
		meta[k] = v
	}
	if req.Function != nil {
		if code, err := functionCode(req); err == nil {
			meta["function_code"] = code
		}
		if tpl, err := promptTemplate(req); err == nil {
			meta["prompt_template"] = tpl
		}
	}
	states := r.buildStates(p, req)
	results, err := r.RunSequence(ctx, p, states, meta)
	if err != nil {
		return nil, err
	}
	if len(p.Sequence) == 0 {
		return nil, fmt.Errorf("paradigm: %q declares no sequence steps", p.Name)
	}
	finalKey := p.Sequence[len(p.Sequence)-1].ResultKey
	final := results[finalKey]
	if fn, ok := final.(func(map[string]interface{}) (interface{}, error)); ok {
		return fn, nil
	}
	return nil, fmt.Errorf("paradigm: %q final result %q is not a callable (%T)", p.Name, finalKey, final)
}

// buildStates assembles the states object affordance code sees: a body with
// one map per tool carrying built-in closures, plus the request context.
func (r *ModelSequenceRunner) buildStates(p *Paradigm, req *sequence.FunctionRequest) map[string]interface{} {
	body := map[string]interface{}{}
	for name := range p.Environment.Tools {
		tool := map[string]interface{}{}
		if r.LLM != nil {
			llm := r.LLM
			tool["generate"] = func(prompt string) (string, error) {
				return llm.Complete(context.Background(), prompt)
			}
			tool["generate_with_system"] = func(system, prompt string) (string, error) {
				return llm.CompleteWithSystem(context.Background(), system, prompt)
			}
		}
		body[name] = tool
	}
	return map[string]interface{}{
		"body":       body,
		"flow_index": req.Entry.FlowIndex(),
		"interp":     req.Interp,
	}
}

// RunSequence executes a paradigm's steps in order, resolving params and
// storing each result under its result key. Results double as meta values
// for later steps.
func (r *ModelSequenceRunner) RunSequence(ctx context.Context, p *Paradigm, states, meta map[string]interface{}) (map[string]interface{}, error) {
	results := map[string]interface{}{}
	for _, step := range p.Sequence {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		aff, err := r.locate(p, step)
		if err != nil {
			return nil, err
		}
		params, err := r.resolveParams(ctx, p, states, meta, step.Params)
		if err != nil {
			return nil, fmt.Errorf("paradigm: step %q: %w", step.Name, err)
		}
		out, err := r.invokeNamed(ctx, states, step.Tool, aff, params)
		if err != nil {
			return nil, fmt.Errorf("paradigm: step %q: %w", step.Name, err)
		}
		key := step.ResultKey
		if key == "" {
			key = step.Name
		}
		results[key] = out
		meta[key] = out
		logging.ParadigmDebug("Step %q -> %s (%T)", step.Name, key, out)
	}
	return results, nil
}

func (r *ModelSequenceRunner) locate(p *Paradigm, step StepSpec) (Affordance, error) {
	toolSpec, ok := p.Environment.Tools[step.Tool]
	if !ok {
		return Affordance{}, fmt.Errorf("paradigm: step %q names unknown tool %q", step.Name, step.Tool)
	}
	aff, ok := toolSpec.Affordances[step.Affordance]
	if !ok {
		return Affordance{}, fmt.Errorf("paradigm: tool %q has no affordance %q", step.Tool, step.Affordance)
	}
	return aff, nil
}

func (r *ModelSequenceRunner) resolveParams(ctx context.Context, p *Paradigm, states, meta map[string]interface{}, raw map[string]interface{}) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	for k, v := range raw {
		switch pv := parseParam(v).(type) {
		case MetaValue:
			resolved, err := resolveMeta(pv.Key, states, meta)
			if err != nil {
				return nil, err
			}
			params[k] = resolved
		case AffordanceValue:
			fn, err := r.affordanceClosure(ctx, p, states, pv.Name)
			if err != nil {
				return nil, err
			}
			params[k] = fn
		default:
			params[k] = pv
		}
	}
	return params, nil
}

// affordanceClosure resolves an AffordanceValue param: a callable invoking
// the named affordance of whichever tool declares it.
func (r *ModelSequenceRunner) affordanceClosure(ctx context.Context, p *Paradigm, states map[string]interface{}, name string) (func(map[string]interface{}) (interface{}, error), error) {
	for toolName, toolSpec := range p.Environment.Tools {
		aff, ok := toolSpec.Affordances[name]
		if !ok {
			continue
		}
		tn := toolName
		return func(params map[string]interface{}) (interface{}, error) {
			return r.invokeNamed(ctx, states, tn, aff, params)
		}, nil
	}
	return nil, fmt.Errorf("paradigm: no tool declares affordance %q", name)
}

func (r *ModelSequenceRunner) invokeNamed(ctx context.Context, states map[string]interface{}, toolName string, aff Affordance, params map[string]interface{}) (interface{}, error) {
	fn, err := evalAffordance(ctx, aff.Code)
	if err != nil {
		return nil, err
	}
	tool := map[string]interface{}{}
	if body, ok := states["body"].(map[string]interface{}); ok {
		if t, ok := body[toolName].(map[string]interface{}); ok {
			tool = t
		}
	}
	return fn(states, tool, params)
}

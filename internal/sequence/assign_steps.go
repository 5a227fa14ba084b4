package sequence

import (
	"context"
	"fmt"

	"normflow/internal/logging"
	"normflow/internal/reference"
	"normflow/internal/repo"
	"normflow/internal/syntax"
)

// stepAR dispatches on the assigning marker. Identity produces no reference;
// the other four markers produce the output reference for OR.
func stepAR(ctx context.Context, st *States) error {
	marker := st.interpString("assigning_marker")
	if marker == "" {
		return fmt.Errorf("sequence: assigning inference %s without assigning_marker", st.Entry.FlowIndex())
	}
	assigner := &syntax.Assigner{Board: st.Board}

	switch marker {
	case syntax.MarkerIdentity:
		if len(st.Entry.ValueConcepts) == 0 {
			return fmt.Errorf("sequence: identity assignment needs a value concept")
		}
		assigner.Identity(st.Entry.ValueConcepts[0], st.Entry.ConceptToInfer)
		st.SkipPublish = true
		return nil

	case syntax.MarkerAbstraction:
		face, axisNames := abstractionLiteral(st)
		out, err := assigner.Abstraction(face, axisNames)
		if err != nil {
			return err
		}
		st.Output = out

	case syntax.MarkerSpecification:
		dest := currentReference(st)
		st.Output = assigner.Specification(st.OrderedValues, dest)

	case syntax.MarkerContinuation:
		dest := currentReference(st)
		if len(st.OrderedValues) == 0 {
			return fmt.Errorf("sequence: continuation needs a source value concept")
		}
		src := st.OrderedValues[0]
		if dest == nil || !dest.HasData() {
			st.Output = src.Clone()
			break
		}
		out, err := assigner.Continuation(dest, src, st.interpStrings("by_axes"))
		if err != nil {
			return err
		}
		st.Output = out

	case syntax.MarkerDerelation:
		if len(st.OrderedValues) == 0 {
			return fmt.Errorf("sequence: derelation needs a source value concept")
		}
		spec := derelationSpec(st)
		out, err := assigner.Derelation(st.OrderedValues[0], spec, st.Opts)
		if err != nil {
			return err
		}
		st.Output = out

	default:
		return fmt.Errorf("sequence: unknown assigning marker %q", marker)
	}
	logging.SequenceDebug("AR %s: marker=%s", st.Entry.FlowIndex(), marker)
	return nil
}

// abstractionLiteral reads the face value for % assignment: the working
// interpretation first, falling back to the concept's declared face value.
func abstractionLiteral(st *States) (interface{}, []string) {
	axisNames := st.interpStrings("axis_names")
	if v, ok := st.Interp["face_value"]; ok {
		return v, axisNames
	}
	if ce, ok := st.Concepts.GetConcept(st.Entry.ConceptToInfer); ok && ce.Concept.FaceValue != "" {
		return ce.Concept.FaceValue, axisNames
	}
	return nil, axisNames
}

// currentReference reads the concept-to-infer's existing reference, nil when
// absent.
func currentReference(st *States) *reference.Reference {
	ce, ok := st.Concepts.GetConcept(st.Board.Canonical(st.Entry.ConceptToInfer))
	if !ok {
		ce, ok = st.Concepts.GetConcept(st.Entry.ConceptToInfer)
	}
	if !ok {
		return nil
	}
	return ce.Reference
}

// derelationSpec reads the - marker's selector from the working
// interpretation.
func derelationSpec(st *States) syntax.DerelationSpec {
	spec := syntax.DerelationSpec{
		Key:                   st.interpString("key"),
		Unpack:                interpBool(st, "unpack"),
		UnpackBeforeSelection: interpBool(st, "unpack_before_selection"),
	}
	if v, ok := st.Interp["index"]; ok {
		switch n := v.(type) {
		case int:
			spec.Index = &n
		case float64:
			i := int(n)
			spec.Index = &i
		}
	}
	return spec
}

func interpBool(st *States, key string) bool {
	v, ok := st.Interp[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// stepT evaluates the timing condition against the blackboard. Not-ready
// conditions retry; ready conditions complete, carrying condition_not_met
// when the guarded parent should be skipped. Filter injection into the
// parent's workspace key happens inside the evaluation.
func stepT(ctx context.Context, st *States) error {
	raw := st.interpString("timing_condition")
	if raw == "" {
		return fmt.Errorf("sequence: timing inference %s without timing_condition", st.Entry.FlowIndex())
	}
	cond, err := syntax.ParseCondition(raw)
	if err != nil {
		return err
	}
	parent := repo.ParentFlowIndex(st.Entry.FlowIndex())
	res, err := syntax.Evaluate(cond, st.Board, st.Workspace, parent)
	if err != nil {
		return err
	}
	if !res.Ready {
		st.NeedsRetry = true
		return nil
	}
	st.CompletionStatus = true
	st.ToBeSkipped = res.Skipped
	logging.SequenceDebug("T %s: %s ready (parent_skipped=%v)", st.Entry.FlowIndex(), raw, res.Skipped)
	return nil
}

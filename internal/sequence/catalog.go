package sequence

// step builds a Step literal.
func step(code string, fn StepFunc) Step { return Step{Code: code, Fn: fn} }

var (
	simpleSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR),
		step("OR", stepOR), step("OWI", stepOWI),
	}
	imperativeSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR), step("MFP", stepMFP),
		step("MVP", stepMVP), step("TVA", stepTVA), step("TIP", stepTIP),
		step("MIA", stepMIA), step("OR", stepOR), step("OWI", stepOWI),
	}
	compositionSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR), step("MFP", stepMFP),
		step("MVP", stepMVP), step("TVA", stepTVA), step("TIA", stepTIA),
		step("OR", stepOR), step("OWI", stepOWI),
	}
	groupingSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR), step("GR", stepGR),
		step("OR", stepOR), step("OWI", stepOWI),
	}
	quantifyingSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR), step("GR", stepGR),
		step("QR", stepQR), step("OR", stepOR), step("OWI", stepOWI),
	}
	loopingSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR), step("GR", stepGR),
		step("LR", stepLR), step("OR", stepOR), step("OWI", stepOWI),
	}
	assigningSteps = []Step{
		step("IWI", stepIWI), step("IR", stepIR), step("AR", stepAR),
		step("OR", stepOR), step("OWI", stepOWI),
	}
	timingSteps = []Step{
		step("IWI", stepIWI), step("T", stepT), step("OWI", stepOWI),
	}
)

// Catalog is the closed set of sequence variants. The imperative and
// judgement families share step implementations; the paradigm selected per
// variant decides how the callable is produced (model call, direct code,
// interpreted code).
var Catalog = map[string][]Step{
	"simple": simpleSteps,

	"imperative":                 imperativeSteps,
	"imperative_direct":          imperativeSteps,
	"imperative_input":           imperativeSteps,
	"imperative_python":          imperativeSteps,
	"imperative_python_indirect": imperativeSteps,
	"imperative_in_composition":  compositionSteps,

	"judgement":                 imperativeSteps,
	"judgement_direct":          imperativeSteps,
	"judgement_python":          imperativeSteps,
	"judgement_python_indirect": imperativeSteps,
	"judgement_in_composition":  compositionSteps,

	"grouping":    groupingSteps,
	"quantifying": quantifyingSteps,
	"looping":     loopingSteps,
	"assigning":   assigningSteps,
	"timing":      timingSteps,
}

// KnownSequence reports membership in the closed variant set.
func KnownSequence(name string) bool {
	_, ok := Catalog[name]
	return ok
}

// Package types provides shared type definitions used across normflow packages.
// This package exists to break import cycles between reference, sequence, and
// orchestrator. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import "fmt"

// ConceptStatus tracks the lifecycle of a concept's value.
type ConceptStatus string

const (
	ConceptEmpty      ConceptStatus = "empty"
	ConceptInProgress ConceptStatus = "in_progress"
	ConceptComplete   ConceptStatus = "complete"
)

// ItemStatus tracks the lifecycle of a scheduled inference item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Completion details recorded alongside a completed item.
const (
	DetailSuccess         = "success"
	DetailConditionNotMet = "condition_not_met"
)

// RunMode controls how many ready items execute per cycle.
type RunMode string

const (
	RunModeSlow RunMode = "SLOW" // at most one inference per cycle
	RunModeFast RunMode = "FAST" // every ready item per cycle
)

// ReconciliationMode is the policy for merging checkpoint state into a
// freshly loaded repo.
type ReconciliationMode string

const (
	ReconcilePatch     ReconciliationMode = "PATCH"
	ReconcileOverwrite ReconciliationMode = "OVERWRITE"
	ReconcileFillGaps  ReconciliationMode = "FILL_GAPS"
)

// NeedsUserInteraction signals that a step requires input not yet available.
// It unwinds through the reference combinators (which must never swallow it)
// and causes the orchestrator to checkpoint and halt cooperatively.
type NeedsUserInteraction struct {
	InteractionID string
	Prompt        string
	Params        map[string]interface{}
}

func (e *NeedsUserInteraction) Error() string {
	return fmt.Sprintf("needs user interaction (id=%s): %s", e.InteractionID, e.Prompt)
}

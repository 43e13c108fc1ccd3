package statemachine

import (
	"strings"

	"github.com/uesteibar/autoflow/internal/autoflow/queue"
)

// State is a ticket's position in the workflow.
type State string

const (
	StateNew              State = "new"
	StateEvaluating       State = "evaluating"
	StateNeedsRefinement  State = "needs_refinement"
	StateRefining         State = "refining"
	StateAwaitingResponse State = "awaiting_response"
	StateReadyForApproval State = "ready_for_approval"
	StateApproved         State = "approved"
	StateGeneratingPrompt State = "generating_prompt"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateBlocked          State = "blocked"
)

// successors lists the allowed targets of every state. Every working stage,
// and a new ticket that cannot be read, may fall into failed.
var successors = map[State][]State{
	StateNew:              {StateEvaluating, StateFailed},
	StateEvaluating:       {StateNeedsRefinement, StateReadyForApproval, StateBlocked, StateApproved, StateFailed},
	StateNeedsRefinement:  {StateRefining, StateFailed},
	StateRefining:         {StateAwaitingResponse, StateReadyForApproval, StateBlocked, StateEvaluating, StateFailed},
	StateAwaitingResponse: {StateEvaluating, StateFailed},
	StateReadyForApproval: {StateApproved, StateEvaluating, StateAwaitingResponse, StateFailed},
	StateApproved:         {StateGeneratingPrompt, StateFailed},
	StateGeneratingPrompt: {StateExecuting, StateFailed},
	StateExecuting:        {StateCompleted, StateFailed, StateExecuting},
	StateCompleted:        nil,
	StateFailed:           {StateNew},
	StateBlocked:          {StateNew},
}

// AllStates returns every state in workflow order.
func AllStates() []State {
	return []State{
		StateNew, StateEvaluating, StateNeedsRefinement, StateRefining,
		StateAwaitingResponse, StateReadyForApproval, StateApproved,
		StateGeneratingPrompt, StateExecuting, StateCompleted, StateFailed, StateBlocked,
	}
}

// ValidState returns true if s is a recognized State.
func ValidState(s State) bool {
	_, ok := successors[s]
	return ok
}

// CanTransition reports whether to is an allowed successor of from.
func CanTransition(from, to State) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Parked reports whether the ticket needs a human retry before any
// automatic work resumes.
func (s State) Parked() bool {
	return s == StateFailed || s == StateBlocked
}

// Waiting reports whether the ticket is paused on a human response.
func (s State) Waiting() bool {
	return s == StateAwaitingResponse || s == StateReadyForApproval
}

// TagPrefix marks labels owned by the workflow.
const TagPrefix = "autoflow:"

// TagFor returns the ticket label for a state. New tickets carry no tag.
func TagFor(s State) string {
	if s == StateNew || !ValidState(s) {
		return ""
	}
	return TagPrefix + strings.ReplaceAll(string(s), "_", "-")
}

// StateForTag maps a ticket label back to the state it represents.
func StateForTag(label string) (State, bool) {
	rest, ok := strings.CutPrefix(label, TagPrefix)
	if !ok || rest == "" {
		return "", false
	}
	s := State(strings.ReplaceAll(rest, "-", "_"))
	if s == StateNew || !ValidState(s) {
		return "", false
	}
	return s, true
}

// StateFromLabels returns the workflow state encoded in a ticket's labels.
// When several workflow tags are present the furthest along wins.
func StateFromLabels(labels []string) (State, bool) {
	var found State
	best := -1
	order := AllStates()
	for _, l := range labels {
		s, ok := StateForTag(l)
		if !ok {
			continue
		}
		for i, o := range order {
			if o == s && i > best {
				best, found = i, s
			}
		}
	}
	return found, best >= 0
}

// AllTags lists every workflow label.
func AllTags() []string {
	var tags []string
	for _, s := range AllStates() {
		if t := TagFor(s); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// TaskForState returns the task that resumes a ticket found in s after a
// restart. It returns false for waiting, parked, and terminal states.
func TaskForState(s State) (queue.TaskType, bool) {
	switch s {
	case StateNew, StateEvaluating:
		return queue.TaskEvaluate, true
	case StateNeedsRefinement, StateRefining:
		return queue.TaskRefine, true
	case StateApproved, StateGeneratingPrompt:
		return queue.TaskGeneratePrompt, true
	case StateExecuting:
		return queue.TaskExecute, true
	}
	return "", false
}

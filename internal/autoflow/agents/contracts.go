// Package agents defines the AI collaborators the processor consults and a
// Claude-backed implementation of each.
package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/uesteibar/autoflow/internal/autoflow/comments"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

// ValidationError marks agent output that could not be used. It is never
// worth retrying the same input.
type ValidationError struct {
	Agent string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s returned invalid output: %v", e.Agent, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Recommended actions from readiness scoring.
const (
	ActionProceed = "proceed"
	ActionRefine  = "refine"
	ActionBlock   = "block"
)

type Readiness struct {
	Score             int      `json:"score"`
	Ready             bool     `json:"ready"`
	RecommendedAction string   `json:"recommendedAction"`
	Reasoning         string   `json:"reasoning"`
	Issues            []string `json:"issues"`
	Suggestions       []string `json:"suggestions"`
}

func (r Readiness) validate() error {
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("score %d out of range", r.Score)
	}
	switch r.RecommendedAction {
	case ActionProceed, ActionRefine, ActionBlock:
		return nil
	}
	return fmt.Errorf("unknown recommendedAction %q", r.RecommendedAction)
}

// Refinement actions.
const (
	RefineReady               = "ready"
	RefineSuggestImprovements = "suggest_improvements"
	RefineBlocked             = "blocked"
	RefineAskQuestions        = "ask_questions"
)

type Refinement struct {
	Action               string              `json:"action"`
	SuggestedDescription string              `json:"suggestedDescription,omitempty"`
	BlockerReason        string              `json:"blockerReason,omitempty"`
	Questions            []comments.Question `json:"questions,omitempty"`
}

func (r Refinement) validate() error {
	switch r.Action {
	case RefineReady:
	case RefineSuggestImprovements:
		if r.SuggestedDescription == "" {
			return errors.New("suggest_improvements without suggestedDescription")
		}
	case RefineBlocked:
		if r.BlockerReason == "" {
			return errors.New("blocked without blockerReason")
		}
	case RefineAskQuestions:
		if len(r.Questions) == 0 {
			return errors.New("ask_questions without questions")
		}
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

type Consolidation struct {
	ConsolidatedDescription string `json:"consolidatedDescription"`
	SuggestedTitle          string `json:"suggestedTitle,omitempty"`
	Summary                 string `json:"summary"`
}

func (c Consolidation) validate() error {
	if c.ConsolidatedDescription == "" {
		return errors.New("empty consolidatedDescription")
	}
	return nil
}

type GeneratedPrompt struct {
	Prompt string `json:"prompt"`
}

func (g GeneratedPrompt) validate() error {
	if g.Prompt == "" {
		return errors.New("empty prompt")
	}
	return nil
}

type Plan struct {
	Plan      string              `json:"plan"`
	Questions []comments.Question `json:"questions,omitempty"`
}

func (p Plan) validate() error {
	if p.Plan == "" {
		return errors.New("empty plan")
	}
	return nil
}

// RestartContext describes the previous failed run when a prompt is
// regenerated.
type RestartContext struct {
	Attempt       int
	PreviousError string
	Branch        string
}

type RefineInput struct {
	Ticket          linear.Issue
	Readiness       *Readiness
	Comments        []linear.Comment
	CodebaseContext string
}

type PromptInput struct {
	Ticket      linear.Issue
	Comments    []linear.Comment
	Plan        string
	Constraints []string
	Restart     *RestartContext
}

type PlanInput struct {
	Ticket          linear.Issue
	Comments        []linear.Comment
	CodebaseContext string
}

type ReadinessScorer interface {
	Score(ctx context.Context, ticket linear.Issue, comments []linear.Comment) (Readiness, error)
}

type TicketRefiner interface {
	Refine(ctx context.Context, in RefineInput) (Refinement, error)
}

type DescriptionConsolidator interface {
	Consolidate(ctx context.Context, ticket linear.Issue, comments []linear.Comment) (Consolidation, error)
}

type PromptGenerator interface {
	Generate(ctx context.Context, in PromptInput) (GeneratedPrompt, error)
}

type Planner interface {
	Plan(ctx context.Context, in PlanInput) (Plan, error)
}

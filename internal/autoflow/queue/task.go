package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType is the closed set of workflow task kinds.
type TaskType string

const (
	TaskEvaluate        TaskType = "evaluate"
	TaskRefine          TaskType = "refine"
	TaskConsolidate     TaskType = "consolidate"
	TaskExecute         TaskType = "execute"
	TaskPlan            TaskType = "plan"
	TaskConsolidatePlan TaskType = "consolidate_plan"
	TaskGeneratePrompt  TaskType = "generate_prompt"
	TaskSyncState       TaskType = "sync_state"
)

// AllTaskTypes lists every declared task type.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskEvaluate, TaskRefine, TaskConsolidate, TaskExecute,
		TaskPlan, TaskConsolidatePlan, TaskGeneratePrompt, TaskSyncState,
	}
}

// Status is a task's lifecycle position. Completed and Failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority bands. Lower runs first.
const (
	PriorityUrgent = 1 // urgent tickets and human responses
	PriorityHigh   = 2
	PriorityMedium = 3
	PriorityLow    = 4
	PriorityNone   = 5
)

// PriorityFromLinear maps Linear's priority (0 none, 1 urgent .. 4 low) to a
// queue band.
func PriorityFromLinear(p int) int {
	if p >= PriorityUrgent && p <= PriorityLow {
		return p
	}
	return PriorityNone
}

// Payload is the typed input of a workflow task. The set of implementations
// is closed; each one names its task type.
type Payload interface {
	TaskType() TaskType
	sealed()
}

// Emoji reaction outcomes carried by EvaluatePayload and ConsolidatePayload.
const (
	ReactionApproved = "approved"
	ReactionRejected = "rejected"
)

type EvaluatePayload struct {
	EmojiReaction string `json:"emoji_reaction,omitempty"`
}

type RefinePayload struct{}

type ConsolidatePayload struct {
	// Resolution is set when a human reacted to a suggested description
	// (approved/rejected). Empty means answered questions.
	Resolution           string `json:"resolution,omitempty"`
	SuggestedDescription string `json:"suggested_description,omitempty"`
	CommentID            string `json:"comment_id,omitempty"`
}

type ExecutePayload struct{}

type PlanPayload struct{}

type ConsolidatePlanPayload struct {
	CommentID string `json:"comment_id,omitempty"`
}

type GeneratePromptPayload struct{}

type SyncStatePayload struct{}

func (EvaluatePayload) TaskType() TaskType        { return TaskEvaluate }
func (RefinePayload) TaskType() TaskType          { return TaskRefine }
func (ConsolidatePayload) TaskType() TaskType     { return TaskConsolidate }
func (ExecutePayload) TaskType() TaskType         { return TaskExecute }
func (PlanPayload) TaskType() TaskType            { return TaskPlan }
func (ConsolidatePlanPayload) TaskType() TaskType { return TaskConsolidatePlan }
func (GeneratePromptPayload) TaskType() TaskType  { return TaskGeneratePrompt }
func (SyncStatePayload) TaskType() TaskType       { return TaskSyncState }

func (EvaluatePayload) sealed()        {}
func (RefinePayload) sealed()          {}
func (ConsolidatePayload) sealed()     {}
func (ExecutePayload) sealed()         {}
func (PlanPayload) sealed()            {}
func (ConsolidatePlanPayload) sealed() {}
func (GeneratePromptPayload) sealed()  {}
func (SyncStatePayload) sealed()       {}

// PayloadFor returns the zero payload for a task type.
func PayloadFor(t TaskType) (Payload, error) {
	switch t {
	case TaskEvaluate:
		return EvaluatePayload{}, nil
	case TaskRefine:
		return RefinePayload{}, nil
	case TaskConsolidate:
		return ConsolidatePayload{}, nil
	case TaskExecute:
		return ExecutePayload{}, nil
	case TaskPlan:
		return PlanPayload{}, nil
	case TaskConsolidatePlan:
		return ConsolidatePlanPayload{}, nil
	case TaskGeneratePrompt:
		return GeneratePromptPayload{}, nil
	case TaskSyncState:
		return SyncStatePayload{}, nil
	}
	return nil, fmt.Errorf("unknown task type %q", t)
}

func encodePayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", p.TaskType(), err)
	}
	return string(data), nil
}

func decodePayload(t TaskType, data string) (Payload, error) {
	switch t {
	case TaskEvaluate:
		return decodeInto[EvaluatePayload](data)
	case TaskRefine:
		return decodeInto[RefinePayload](data)
	case TaskConsolidate:
		return decodeInto[ConsolidatePayload](data)
	case TaskExecute:
		return decodeInto[ExecutePayload](data)
	case TaskPlan:
		return decodeInto[PlanPayload](data)
	case TaskConsolidatePlan:
		return decodeInto[ConsolidatePlanPayload](data)
	case TaskGeneratePrompt:
		return decodeInto[GeneratePromptPayload](data)
	case TaskSyncState:
		return decodeInto[SyncStatePayload](data)
	}
	return nil, fmt.Errorf("unknown task type %q", t)
}

func decodeInto[P Payload](data string) (Payload, error) {
	var p P
	if data == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", p.TaskType(), err)
	}
	return p, nil
}

// WorkflowTask is one ticket-lifecycle step.
type WorkflowTask struct {
	ID               string
	TicketID         string
	TicketIdentifier string
	Type             TaskType
	Priority         int
	Status           Status
	RetryCount       int
	MaxRetries       int
	Payload          Payload
	Output           string
	Error            string
	AvailableAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
}

// WorkflowInput describes a task to enqueue. The task type comes from the
// payload.
type WorkflowInput struct {
	TicketID         string
	TicketIdentifier string
	Priority         int
	Payload          Payload
}

// ExecutionTask is one sandboxed code-generation run.
type ExecutionTask struct {
	ID                   string
	TicketID             string
	TicketIdentifier     string
	Priority             int
	Prompt               string
	SandboxPath          string
	BranchName           string
	SessionID            string // local sessions row
	AgentSessionID       string // Linear agent session
	PRCreationRetryCount int
	Status               Status
	RetryCount           int
	MaxRetries           int
	Error                string
	AvailableAt          time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            time.Time
	FinishedAt           time.Time
}

// ExecutionInput describes a run to enqueue.
type ExecutionInput struct {
	TicketID         string
	TicketIdentifier string
	Priority         int
	Prompt           string
	SessionID        string
}

// ExecutionUpdate persists run details while a task is processing. Nil
// fields are left untouched.
type ExecutionUpdate struct {
	SandboxPath          *string
	BranchName           *string
	AgentSessionID       *string
	PRCreationRetryCount *int
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TicketID string
	Status   Status
	Limit    int
}

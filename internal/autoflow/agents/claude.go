package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uesteibar/autoflow/internal/autoflow/executor"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
)

// Completer sends a prompt to a model and returns its text answer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// CLICompleter answers prompts with one-shot Claude CLI runs in Dir.
type CLICompleter struct {
	Exec *executor.Executor
	Dir  string
}

func (c CLICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	res, err := c.Exec.Run(ctx, executor.Request{Dir: c.Dir, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

type ClaudeConfig struct {
	// TemplateDir holds optional overrides of the embedded prompt templates.
	TemplateDir string
	Logger      *slog.Logger
}

// Claude implements every collaborator contract by rendering a prompt
// template and decoding the model's JSON answer.
type Claude struct {
	llm    Completer
	cfg    ClaudeConfig
	logger *slog.Logger
}

var (
	_ ReadinessScorer         = (*Claude)(nil)
	_ TicketRefiner           = (*Claude)(nil)
	_ DescriptionConsolidator = (*Claude)(nil)
	_ PromptGenerator         = (*Claude)(nil)
	_ Planner                 = (*Claude)(nil)
)

func NewClaude(llm Completer, cfg ClaudeConfig) *Claude {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{llm: llm, cfg: cfg, logger: logger}
}

type ticketData struct {
	Ticket          linear.Issue
	Comments        []linear.Comment
	Readiness       *Readiness
	CodebaseContext string
	Plan            string
	Constraints     []string
	Restart         *RestartContext
}

func (c *Claude) Score(ctx context.Context, ticket linear.Issue, cs []linear.Comment) (Readiness, error) {
	return ask[Readiness](ctx, c, "readiness", "readiness.md", ticketData{Ticket: ticket, Comments: cs})
}

func (c *Claude) Refine(ctx context.Context, in RefineInput) (Refinement, error) {
	return ask[Refinement](ctx, c, "refiner", "refine.md", ticketData{
		Ticket:          in.Ticket,
		Comments:        in.Comments,
		Readiness:       in.Readiness,
		CodebaseContext: in.CodebaseContext,
	})
}

func (c *Claude) Consolidate(ctx context.Context, ticket linear.Issue, cs []linear.Comment) (Consolidation, error) {
	return ask[Consolidation](ctx, c, "consolidator", "consolidate.md", ticketData{Ticket: ticket, Comments: cs})
}

func (c *Claude) Generate(ctx context.Context, in PromptInput) (GeneratedPrompt, error) {
	return ask[GeneratedPrompt](ctx, c, "prompt generator", "generate_prompt.md", ticketData{
		Ticket:      in.Ticket,
		Comments:    in.Comments,
		Plan:        in.Plan,
		Constraints: in.Constraints,
		Restart:     in.Restart,
	})
}

func (c *Claude) Plan(ctx context.Context, in PlanInput) (Plan, error) {
	return ask[Plan](ctx, c, "planner", "plan.md", ticketData{
		Ticket:          in.Ticket,
		Comments:        in.Comments,
		CodebaseContext: in.CodebaseContext,
	})
}

type validator interface{ validate() error }

func ask[T validator](ctx context.Context, c *Claude, agent, tmpl string, data ticketData) (T, error) {
	var zero T
	prompt, err := render(tmpl, data, c.cfg.TemplateDir)
	if err != nil {
		return zero, err
	}
	answer, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", agent, err)
	}
	out, err := decode[T](agent, answer)
	if err != nil {
		c.logger.Warn("agent output rejected", "agent", agent, "ticket", data.Ticket.Identifier, "error", err)
		return zero, err
	}
	return out, nil
}

// decode extracts the JSON object from a model answer, tolerating code
// fences and surrounding prose, and validates it.
func decode[T validator](agent, answer string) (T, error) {
	var out T
	raw, err := extractJSON(answer)
	if err != nil {
		return out, &ValidationError{Agent: agent, Err: err}
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, &ValidationError{Agent: agent, Err: err}
	}
	if err := out.validate(); err != nil {
		return out, &ValidationError{Agent: agent, Err: err}
	}
	return out, nil
}

func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", errors.New("no JSON object in output")
	}
	return s[start : end+1], nil
}

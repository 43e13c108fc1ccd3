// Package executor runs the code-generation agent (the Claude CLI) inside a
// sandbox with a hard time limit.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uesteibar/autoflow/internal/shell"
)

// ErrTimeout is returned when a run exceeds its time limit.
var ErrTimeout = errors.New("execution timed out")

// Config controls how the CLI is invoked.
type Config struct {
	Command     string        // defaults to "claude"
	Timeout     time.Duration // defaults to 60m
	GracePeriod time.Duration // SIGTERM to SIGKILL, defaults to 30s
	MaxTurns    int
	Logger      *slog.Logger
}

// Request is one run.
type Request struct {
	Dir    string
	Prompt string
	// SessionID continues an earlier conversation when set.
	SessionID string
}

// Result is what a finished run reports.
type Result struct {
	SessionID string
	Output    string
	PRURL     string
	Duration  time.Duration
}

// RunError carries the session id of a failed run so the caller can resume.
type RunError struct {
	SessionID string
	Err       error
}

func (e *RunError) Error() string { return e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

type Executor struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Executor {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger}
}

// cliResult is the final object printed by --output-format json.
type cliResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// Run executes req. Errors are *RunError so the session id survives
// failures, timeouts included; a timeout wraps ErrTimeout.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	sessionID := req.SessionID
	resume := sessionID != ""
	if !resume {
		sessionID = uuid.New().String()
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	r := &shell.Runner{Dir: req.Dir, GracePeriod: e.cfg.GracePeriod}
	start := time.Now()
	e.logger.Info("starting execution", "dir", req.Dir, "session_id", sessionID, "resume", resume)

	out, err := r.RunWithStdin(runCtx, req.Prompt, e.cfg.Command, e.buildArgs(sessionID, resume)...)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("execution timed out", "session_id", sessionID, "timeout", e.cfg.Timeout)
			return Result{}, &RunError{SessionID: sessionID, Err: fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)}
		}
		return Result{}, &RunError{SessionID: sessionID, Err: fmt.Errorf("running agent: %w", err)}
	}

	res, err := parseOutput(out)
	if err != nil {
		return Result{}, &RunError{SessionID: sessionID, Err: err}
	}
	if res.SessionID == "" {
		res.SessionID = sessionID
	}
	res.Duration = elapsed
	e.logger.Info("execution finished", "session_id", res.SessionID, "duration", elapsed, "pr_url", res.PRURL)
	return res, nil
}

func (e *Executor) buildArgs(sessionID string, resume bool) []string {
	args := []string{"--dangerously-skip-permissions", "--print", "--output-format", "json"}
	if resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	if e.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(e.cfg.MaxTurns))
	}
	return args
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

func parseOutput(out string) (Result, error) {
	trimmed := strings.TrimSpace(out)
	// Some CLI versions print progress lines before the final object.
	if i := strings.LastIndex(trimmed, "\n{"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	var cr cliResult
	if err := json.Unmarshal([]byte(trimmed), &cr); err != nil {
		return Result{}, fmt.Errorf("parsing agent output: %w", err)
	}
	if cr.IsError {
		msg := cr.Result
		if msg == "" {
			msg = cr.Subtype
		}
		return Result{SessionID: cr.SessionID}, fmt.Errorf("agent reported error: %s", msg)
	}
	return Result{
		SessionID: cr.SessionID,
		Output:    cr.Result,
		PRURL:     prURLPattern.FindString(cr.Result),
	}, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/config"
	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/server"
	"github.com/uesteibar/autoflow/internal/autoflow/tui"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "ticket", "ENG-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %s", out)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", out, err)
	}
	if line["ticket"] != "ENG-1" {
		t.Errorf("ticket = %v", line["ticket"])
	}
}

func TestNewLogger_RejectsUnknownValues(t *testing.T) {
	if _, err := newLogger(io.Discard, "xml", "info"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := newLogger(io.Discard, "text", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "status", "watch", "init", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "autoflow dev" {
		t.Errorf("version output = %q", got)
	}
}

func TestServerAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:9999"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	if got := serverAddr("10.0.0.1:80", path); got != "10.0.0.1:80" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := serverAddr("", path); got != "127.0.0.1:9999" {
		t.Errorf("config should be used, got %q", got)
	}
	if got := serverAddr("", "/nonexistent/config.yaml"); got != config.Default().Server.Addr {
		t.Errorf("default expected, got %q", got)
	}
}

func TestRunStatus_RendersServerStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(server.StatusResponse{
			Status: "ok",
			Uptime: "42s",
			Slots:  &server.SlotStatus{InUse: 1, Total: 2},
		})
	}))
	defer ts.Close()

	var out bytes.Buffer
	if err := runStatus(context.Background(), &out, tui.NewClient(ts.URL)); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	if !strings.Contains(out.String(), "up 42s") || !strings.Contains(out.String(), "1/2") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRunStatus_ServerDown(t *testing.T) {
	err := runStatus(context.Background(), io.Discard, tui.NewClient("127.0.0.1:1"))
	if err == nil || !strings.Contains(err.Error(), "autoflow serve") {
		t.Errorf("expected a hint about serve, got %v", err)
	}
}

func TestInitCommand_WritesConfigFromAnswers(t *testing.T) {
	repo := t.TempDir()
	orig := runInitForm
	t.Cleanup(func() { runInitForm = orig })
	runInitForm = func(a *initAnswers) error {
		a.TeamID = "ENG"
		a.BotName = "@flowbot"
		a.LocalPath = repo
		a.GithubRepo = "acme/app"
		a.Slots = "3"
		return nil
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Linear.TeamID != "ENG" || cfg.Linear.BotName != "flowbot" {
		t.Errorf("Linear = %+v", cfg.Linear)
	}
	if cfg.Github.Owner != "acme" || cfg.Github.Repo != "app" {
		t.Errorf("Github = %+v", cfg.Github)
	}
	if cfg.Execution.Slots != 3 || cfg.Repo.DefaultBase != "main" {
		t.Errorf("Execution.Slots = %d, DefaultBase = %q", cfg.Execution.Slots, cfg.Repo.DefaultBase)
	}

	// A second run refuses to overwrite.
	root = rootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"init", "--config", path})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected already exists error, got %v", err)
	}
}

func TestInitAnswers_RejectsBadInput(t *testing.T) {
	if _, err := (initAnswers{GithubRepo: "just-a-name"}).config(); err == nil {
		t.Error("expected error for repo without owner")
	}
	if _, err := (initAnswers{Slots: "0"}).config(); err == nil {
		t.Error("expected error for zero slots")
	}
}

type fakeIdentity struct {
	team    string
	teamErr error
	viewer  linear.Viewer
	viewErr error
}

func (f fakeIdentity) ResolveTeamID(context.Context, string) (string, error) {
	return f.team, f.teamErr
}

func (f fakeIdentity) FetchViewer(context.Context) (linear.Viewer, error) {
	return f.viewer, f.viewErr
}

func TestResolveIdentity(t *testing.T) {
	team, bot := resolveIdentity(context.Background(), fakeIdentity{
		team:   "team-uuid",
		viewer: linear.Viewer{ID: "bot-1", DisplayName: "autoflow"},
	}, "ENG", discard)
	if team != "team-uuid" || bot != "bot-1" {
		t.Errorf("got team %q bot %q", team, bot)
	}

	team, bot = resolveIdentity(context.Background(), fakeIdentity{
		teamErr: errors.New("rate limited"),
		viewErr: errors.New("rate limited"),
	}, "ENG", discard)
	if team != "ENG" || bot != "" {
		t.Errorf("expected fallbacks, got team %q bot %q", team, bot)
	}
}

type fakeRecoverer struct {
	n   int
	err error
	hit atomic.Bool
}

func (f *fakeRecoverer) RecoverOrphans(context.Context) (int, error) {
	f.hit.Store(true)
	return f.n, f.err
}

func TestRecoverOrphans_VisitsBothQueues(t *testing.T) {
	wf := &fakeRecoverer{n: 2}
	ex := &fakeRecoverer{err: errors.New("locked")}
	recoverOrphans(context.Background(), wf, ex, discard)
	if !wf.hit.Load() || !ex.hit.Load() {
		t.Error("expected both queues to be recovered")
	}
}

type fakePruner struct {
	calls atomic.Int32
}

func (f *fakePruner) PruneDeliveries(context.Context, time.Duration) (int, error) {
	f.calls.Add(1)
	return 1, nil
}

func TestHousekeeping_PrunesUntilCancelled(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		housekeeping(ctx, p, time.Hour, discard)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for p.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("housekeeping never pruned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("housekeeping did not stop")
	}
}

func TestHousekeeping_DisabledWithoutTTL(t *testing.T) {
	p := &fakePruner{}
	housekeeping(context.Background(), p, 0, discard)
	if p.calls.Load() != 0 {
		t.Error("expected no pruning without a ttl")
	}
}

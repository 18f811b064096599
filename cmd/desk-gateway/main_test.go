// ABOUTME: Tests for the desk-gateway command tree
// ABOUTME: Runs commands against temp configs and an httptest readiness endpoint

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/store"
)

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// initConfig writes a config into a temp dir and returns its path and db path.
func initConfig(t *testing.T, extra ...string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gateway.yaml")
	dbPath := filepath.Join(dir, "data", "desk.db")

	args := append([]string{"init", "--config", cfgPath, "--db", dbPath, "--grpc-addr", ""}, extra...)
	if _, err := run(t, args...); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return cfgPath, dbPath
}

func TestInitCmd_WritesLoadableConfig(t *testing.T) {
	cfgPath, dbPath := initConfig(t)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Database.Path != dbPath {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, dbPath)
	}
	if cfg.Sweeper.WaitingAfter != 3*time.Minute {
		t.Errorf("waiting_after = %v, want 3m", cfg.Sweeper.WaitingAfter)
	}
	if cfg.Server.GRPCAddr != "" {
		t.Errorf("grpc_addr = %q, want empty", cfg.Server.GRPCAddr)
	}
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Errorf("data directory not created: %v", err)
	}
}

func TestInitCmd_RefusesOverwrite(t *testing.T) {
	cfgPath, _ := initConfig(t)

	if _, err := run(t, "init", "--config", cfgPath); err == nil {
		t.Fatal("expected error when config exists")
	}
	if _, err := run(t, "init", "--config", cfgPath, "--force"); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
}

func TestQueueCmd(t *testing.T) {
	cfgPath, dbPath := initConfig(t)

	out, err := run(t, "queue", "--config", cfgPath)
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if !strings.Contains(out, "no conversations waiting") {
		t.Errorf("empty queue output = %q", out)
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	now := time.Now().UTC()
	for i, id := range []string{"conv-a", "conv-b"} {
		at := now.Add(time.Duration(i) * time.Second)
		err := st.CreateConversation(context.Background(), &store.Conversation{
			ID:            id,
			Status:        store.StatusWaiting,
			DepartmentID:  "permits",
			CreatedAt:     at,
			LastMessageAt: at,
			UpdatedAt:     at,
		})
		if err != nil {
			t.Fatalf("seeding %s: %v", id, err)
		}
	}
	st.Close()

	out, err = run(t, "queue", "--config", cfgPath, "-n", "1")
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if !strings.Contains(out, "conv-a") || strings.Contains(out, "conv-b") {
		t.Errorf("limited queue output = %q", out)
	}
	if !strings.Contains(out, "permits") {
		t.Errorf("queue output missing department: %q", out)
	}
}

func TestSweepCmd(t *testing.T) {
	cfgPath, dbPath := initConfig(t)

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	old := time.Now().UTC().Add(-time.Hour)
	err = st.CreateConversation(context.Background(), &store.Conversation{
		ID:            "stale",
		Status:        store.StatusWaiting,
		CreatedAt:     old,
		LastMessageAt: old,
		UpdatedAt:     old,
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	st.Close()

	out, err := run(t, "sweep", "--config", cfgPath)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(out, "abandoned: 1") {
		t.Errorf("sweep output = %q", out)
	}

	out, err = run(t, "sweep", "--config", cfgPath)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if !strings.Contains(out, "abandoned: 0") {
		t.Errorf("second sweep output = %q", out)
	}
}

func TestHealthCmd(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/ready" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, "store unavailable")
	}))
	defer srv.Close()

	cfgPath, _ := initConfig(t, "--http-addr", strings.TrimPrefix(srv.URL, "http://"))

	out, err := run(t, "health", "--config", cfgPath)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if strings.TrimSpace(out) != "healthy" {
		t.Errorf("output = %q, want healthy", out)
	}

	status = http.StatusServiceUnavailable
	_, err = run(t, "health", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "queue", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Errorf("expected loading config error, got %v", err)
	}
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "sweeper").WithGroup("pass").Info("sweep complete", "abandoned", 2)

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug line logged at info level: %q", got)
	}
	if strings.Contains(got, "pass.component") {
		t.Errorf("attrs added before the group were qualified: %q", got)
	}
	for _, want := range []string{"sweep complete", "component=", "sweeper", "pass.abandoned=", "2"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("claimed", "agent_id", "a1")

	if !strings.Contains(buf.String(), `"agent_id":"a1"`) {
		t.Errorf("json output = %q", buf.String())
	}
	if parseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown levels should default to info")
	}
}

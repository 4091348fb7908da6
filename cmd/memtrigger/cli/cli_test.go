package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/memtrigger/internal/policy"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/secret"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

// setup writes a config for a throwaway sqlite store and isolates HOME.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  backend: sqlite
  path: ` + filepath.Join(dir, "memories.db") + `
recall:
  min_score: 0.3
policy:
  watch: false
diag:
  addr: ""
orchestrator:
  retry:
    initial_backoff: 1h
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func resetFlags() {
	configPath, verbose, jsonOutput = "", false, false
	follow, showResults = false, false
	eventSource, correlationID, payloadJSON, payloadFields = "", "", "", nil
	recallDescription, recallCategories, recallTags, recallLimit = "", nil, nil, 0
	statusRemote, statusCheck = false, false
	policyEvent = ""
}

func run(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	RootCmd.SetIn(stdin)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestCLI_Root(t *testing.T) {
	want := map[string]bool{"serve": false, "emit": false, "recall": false, "status": false, "policy": false, "secret": false}
	for _, cmd := range RootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command not found", name)
		}
	}
}

func TestCLI_Policy(t *testing.T) {
	found := false
	for _, cmd := range RootCmd.Commands() {
		if cmd.Name() == "policy" {
			found = true
			if len(cmd.Commands()) < 2 {
				t.Errorf("Expected validate and eval subcommands for policy, got %d", len(cmd.Commands()))
			}
		}
	}
	if !found {
		t.Error("policy command not found")
	}
}

func TestBuildPayload(t *testing.T) {
	p, err := buildPayload(`{"workflow":"deploy"}`, []string{"success=false", "duration_ms=1200", "note=hello world"})
	if err != nil {
		t.Fatalf("buildPayload failed: %v", err)
	}
	if p["workflow"] != "deploy" || p["success"] != false || p["duration_ms"] != float64(1200) || p["note"] != "hello world" {
		t.Errorf("unexpected payload: %#v", p)
	}

	if _, err := buildPayload("", []string{"novalue"}); err == nil {
		t.Error("expected error for field without '='")
	}
	if _, err := buildPayload("[1]", nil); err == nil {
		t.Error("expected error for non-object payload")
	}
}

func TestEmitThenRecall(t *testing.T) {
	cfg := setup(t)

	out, err := run(t, nil, "emit", "workflow_complete", "--config", cfg, "--json",
		"--source", "ci/pipeline", "--correlation", "run-9",
		"--set", "success=false", "--set", "workflow=deploy-checkout", "--set", "error=migration lock timeout")
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	var res trigger.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid result JSON %q: %v", out, err)
	}
	if !res.Stored || len(res.RecordIDs) != 1 {
		t.Fatalf("expected one stored record, got %+v", res)
	}

	out, err = run(t, nil, "recall", "deploy-checkout", "--config", cfg, "--json",
		"--description", "migration lock timeout", "--category", "error")
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	var ec recall.EnrichedContext
	if err := json.Unmarshal([]byte(out), &ec); err != nil {
		t.Fatalf("invalid context JSON %q: %v", out, err)
	}
	if len(ec.Matches) == 0 || ec.Matches[0].Record.ID != res.RecordIDs[0] {
		t.Errorf("expected stored record to be recalled, got %+v", ec.Matches)
	}
}

func TestRecall_UnknownCategory(t *testing.T) {
	cfg := setup(t)
	if _, err := run(t, nil, "recall", "deploy", "--config", cfg, "--category", "gossip"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestServe_ReadsEvents(t *testing.T) {
	cfg := setup(t)
	input := strings.Join([]string{
		`{"event_type":"workflow_complete","source_component":"ci","correlation_id":"run-1","payload":{"success":false}}`,
		`not json`,
		``,
		`{"event_type":"agent_action","source_component":"agent","correlation_id":"run-1","payload":{"tool":"ls"}}`,
	}, "\n")

	out, err := run(t, strings.NewReader(input), "serve", "--config", cfg, "--json", "--results")
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	dec := json.NewDecoder(strings.NewReader(out))
	var results []trigger.Result
	for dec.More() {
		var r trigger.Result
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("invalid result stream: %v", err)
		}
		results = append(results, r)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %s", len(results), out)
	}
	if !results[0].Stored {
		t.Errorf("first event should be stored: %+v", results[0])
	}
	if !results[1].Skipped {
		t.Errorf("routine action should be skipped: %+v", results[1])
	}
}

func TestStatus_Local(t *testing.T) {
	cfg := setup(t)
	out, err := run(t, nil, "status", "--config", cfg, "--json", "--check")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, `"state": "CLOSED"`) {
		t.Errorf("expected closed breaker in %s", out)
	}
}

func TestPolicy_ValidateBundledRules(t *testing.T) {
	path := filepath.Join("..", "..", "..", "configs", "policy.yaml")
	out, err := run(t, nil, "policy", "validate", path)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "8 rules") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestPolicy_Eval(t *testing.T) {
	out, err := run(t, nil, "policy", "eval", "--event",
		`{"event_type":"workflow_complete","source_component":"ci","timestamp":"2025-01-01T00:00:00Z","payload":{"success":false}}`)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	var d policy.Decision
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("invalid decision JSON %q: %v", out, err)
	}
	if !d.ShouldTrigger || len(d.Categories) != 1 || d.Categories[0] != "error" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestSecret_SealAndCheck(t *testing.T) {
	t.Setenv(secret.KeyEnv, "cli-test-key")

	out, err := run(t, nil, "secret", "seal", "sk-0123456789")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	sealed := strings.TrimSpace(out)
	if !secret.IsSealed(sealed) {
		t.Fatalf("expected sealed value, got %q", sealed)
	}

	out, err = run(t, nil, "secret", "check", sealed)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !strings.Contains(out, "sk-0...6789") {
		t.Errorf("unexpected output %q", out)
	}

	t.Setenv(secret.KeyEnv, "another-key")
	if _, err := run(t, nil, "secret", "check", sealed); err == nil {
		t.Error("expected failure with the wrong key")
	}
}

package command

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/pkg/plugin"
)

func newPendingCommand(id, capability string) *Command {
	return &Command{
		ID:         id,
		Capability: capability,
		Target:     "web",
		Args:       map[string]any{"command": "uptime"},
		Caller:     plugin.Caller{ID: "op-1", Roles: []string{"operator"}},
		Status:     StatusPending,
		MaxRetries: 3,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	cmd := newPendingCommand("cmd-1", "shell.run")
	if err := store.Create(ctx, cmd); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if cmd.CreatedAt == 0 || cmd.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be set: %+v", cmd)
	}

	if err := store.Create(ctx, newPendingCommand("cmd-1", "shell.run")); !errors.Is(err, ErrCommandConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	stored, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Capability != "shell.run" || stored.Status != StatusPending {
		t.Fatalf("unexpected command: %+v", stored)
	}

	// Mutating the returned clone must not leak into the store.
	stored.Args["command"] = "reboot"
	stored.Caller.Roles[0] = "root"
	again, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if again.Args["command"] != "uptime" {
		t.Fatalf("args leaked through clone: %+v", again.Args)
	}
	if again.Caller.Roles[0] != "operator" {
		t.Fatalf("caller roles leaked through clone: %+v", again.Caller)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newPendingCommand("cmd-1", "shell.run")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	claimed, err := store.Claim(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "cmd-1"); !errors.Is(err, ErrCommandConflict) {
		t.Fatalf("expected conflict claiming a running command, got %v", err)
	}

	result := ExecutionResult{Plugin: "shellrun", Output: map[string]any{"stdout": "up 3 days"}}
	if err := store.MarkSucceeded(ctx, "cmd-1", result); err != nil {
		t.Fatalf("mark succeeded failed: %v", err)
	}
	if _, err := store.Claim(ctx, "cmd-1"); !errors.Is(err, ErrCommandCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	done, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result == nil || done.Result.Plugin != "shellrun" {
		t.Fatalf("unexpected final state: %+v", done)
	}
}

func TestMemoryStoreRetryUntilExhausted(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	cmd := newPendingCommand("cmd-1", "bolt.task.run")
	cmd.MaxRetries = 2
	if err := store.Create(ctx, cmd); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.Claim(ctx, "cmd-1")
		if err != nil {
			t.Fatalf("claim %d failed: %v", attempt, err)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("expected attempts %d, got %d", attempt, claimed.Attempts)
		}
		if err := store.MarkFailed(ctx, "cmd-1", CodeCommandProcessing, "node unreachable", false); err != nil {
			t.Fatalf("mark failed failed: %v", err)
		}
	}

	if _, err := store.Claim(ctx, "cmd-1"); !errors.Is(err, ErrCommandExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	failed, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorCode != string(CodeCommandProcessing) {
		t.Fatalf("unexpected failed state: %+v", failed)
	}
	if failed.LastError != "node unreachable" {
		t.Fatalf("unexpected last error: %q", failed.LastError)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	seed := []struct {
		id         string
		capability string
		status     Status
		updatedAt  int64
		result     *ExecutionResult
	}{
		{"cmd-1", "shell.run", StatusSucceeded, 100, &ExecutionResult{Plugin: "shellrun"}},
		{"cmd-2", "shell.run", StatusFailed, 200, nil},
		{"cmd-3", "bolt.task.run", StatusPending, 300, nil},
		{"cmd-4", "bolt.task.run", StatusSucceeded, 400, &ExecutionResult{Plugin: "boltcli"}},
	}
	for _, item := range seed {
		cmd := newPendingCommand(item.id, item.capability)
		if err := store.Create(ctx, cmd); err != nil {
			t.Fatalf("create %s failed: %v", item.id, err)
		}
		stored := store.commands[item.id]
		stored.Status = item.status
		stored.UpdatedAt = item.updatedAt
		stored.Result = item.result
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 4 || all[0].ID != "cmd-4" || all[3].ID != "cmd-1" {
		t.Fatalf("unexpected default ordering: %+v", all)
	}

	succeeded, err := store.List(ctx, ListOptions{Statuses: []Status{StatusSucceeded}})
	if err != nil {
		t.Fatalf("list by status failed: %v", err)
	}
	if len(succeeded) != 2 || succeeded[0].ID != "cmd-4" || succeeded[1].ID != "cmd-1" {
		t.Fatalf("unexpected status filter result: %+v", succeeded)
	}

	bolt, err := store.List(ctx, ListOptions{Capability: "BOLT.TASK.RUN"})
	if err != nil {
		t.Fatalf("list by capability failed: %v", err)
	}
	if len(bolt) != 2 {
		t.Fatalf("expected 2 bolt commands, got %d", len(bolt))
	}

	recent, err := store.List(ctx, ListOptions{UpdatedGTE: 250})
	if err != nil {
		t.Fatalf("list by updated failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent commands, got %d", len(recent))
	}

	withResult, err := store.List(ctx, ListOptions{HasResult: boolPtr(true)})
	if err != nil {
		t.Fatalf("list by result presence failed: %v", err)
	}
	if len(withResult) != 2 {
		t.Fatalf("expected 2 commands with results, got %d", len(withResult))
	}

	paged, err := store.List(ctx, ListOptions{Limit: 2, Offset: 1, Order: SortByUpdatedAsc})
	if err != nil {
		t.Fatalf("list with paging failed: %v", err)
	}
	if len(paged) != 2 || paged[0].ID != "cmd-2" || paged[1].ID != "cmd-3" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	matched, err := store.List(ctx, ListOptions{Query: "boltcli"})
	if err != nil {
		t.Fatalf("list by query failed: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "cmd-4" {
		t.Fatalf("unexpected query result: %+v", matched)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	statuses := map[string]Status{
		"cmd-1": StatusPending,
		"cmd-2": StatusRunning,
		"cmd-3": StatusSucceeded,
		"cmd-4": StatusFailed,
		"cmd-5": StatusFailed,
	}
	var updated int64 = 100
	for id, status := range statuses {
		if err := store.Create(ctx, newPendingCommand(id, "shell.run")); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
		stored := store.commands[id]
		stored.Status = status
		stored.UpdatedAt = updated
		updated += 100
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 5 || stats.Pending != 1 || stats.Running != 1 || stats.Succeeded != 1 || stats.Failed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != 100 || stats.NewestUpdatedAt != 500 {
		t.Fatalf("unexpected time range: %+v", stats)
	}

	failedOnly, err := store.Stats(ctx, ListOptions{Statuses: []Status{StatusFailed}})
	if err != nil {
		t.Fatalf("filtered stats failed: %v", err)
	}
	if failedOnly.Total != 2 || failedOnly.Failed != 2 {
		t.Fatalf("unexpected filtered stats: %+v", failedOnly)
	}

	empty, err := store.Stats(ctx, ListOptions{UpdatedGTE: 9999})
	if err != nil {
		t.Fatalf("empty stats failed: %v", err)
	}
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("expected zeroed stats, got %+v", empty)
	}
}

func TestMemoryStoreCreateValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for nil command, got %v", err)
	}
	if err := store.Create(ctx, &Command{Capability: "shell.run"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

// Guard against Stats mutating shared state while List is in flight.
func TestMemoryStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newPendingCommand("cmd-1", "shell.run")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = store.List(ctx, ListOptions{})
			_, _ = store.Stats(ctx, ListOptions{})
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := store.Get(ctx, "cmd-1"); err != nil {
			t.Fatalf("get failed: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("concurrent reader did not finish")
	}
}

package task

import (
	"context"
	"testing"
	"time"
)

func seedStore(t *testing.T) (*MemoryStore, time.Time) {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-3 * time.Minute)

	tasks := []*Task{
		{ID: "t1", SessionID: "s1", Trigger: TriggerStart, Status: StatusPending, MaxRetries: 3},
		{ID: "t2", SessionID: "s1", Trigger: TriggerResume, Status: StatusPending, MaxRetries: 3},
		{ID: "t3", SessionID: "s2", Trigger: TriggerStart, Status: StatusPending, MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "lock timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", RunOutcome{FinalState: "COMPLETED", ModelCalls: 2}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()
	return store, base
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store, base := seedStore(t)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %+v", all)
	}

	asc, _ := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if asc[0].ID != "t1" {
		t.Fatalf("expected oldest task first, got %s", asc[0].ID)
	}

	bySession, _ := store.List(ctx, buildListOptions([]ListOption{WithSessionID("s1")}))
	if len(bySession) != 2 {
		t.Fatalf("expected 2 tasks for s1, got %d", len(bySession))
	}

	failed, _ := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	resumes, _ := store.List(ctx, buildListOptions([]ListOption{WithTriggers(TriggerResume)}))
	if len(resumes) != 1 || resumes[0].ID != "t2" {
		t.Fatalf("unexpected trigger filter: %+v", resumes)
	}

	withResult, _ := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if len(withResult) != 1 || withResult[0].Result.ModelCalls != 2 {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	recent, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	query, _ := store.List(ctx, buildListOptions([]ListOption{WithQuery("LOCK")}))
	if len(query) != 1 || query[0].ID != "t2" {
		t.Fatalf("unexpected query result: %+v", query)
	}

	page, _ := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if len(page) != 1 || page[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store, base := seedStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() || stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected timestamps: %+v", stats)
	}

	s1, _ := store.Stats(ctx, buildListOptions([]ListOption{WithSessionID("s1")}))
	if s1.Total != 2 || s1.Succeeded != 0 {
		t.Fatalf("unexpected session stats: %+v", s1)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t", SessionID: "s", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "t", SessionID: "s"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("duplicate id should conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t")
	if err != nil || claimed.Attempts != 1 || claimed.Status != StatusRunning {
		t.Fatalf("unexpected claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "t"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("running task should not be claimed twice, got %v", err)
	}
	if err := store.MarkFailed(ctx, "t", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("terminal failure should exhaust the task, got %v", err)
	}
}

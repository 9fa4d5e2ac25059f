package run

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	runs := []*Run{
		{ID: "r1", BriefingDate: "2026-03-02", Trigger: TriggerAPI, Status: StatusPending, MaxRetries: 3},
		{ID: "r2", BriefingDate: "2026-03-02", Trigger: TriggerSchedule, Status: StatusFailed, MaxRetries: 3},
		{ID: "r3", BriefingDate: "2026-03-03", Trigger: TriggerAPI, Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, r := range runs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "r2", CodeRunProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "r3", Outcome{Report: "briefing body", MailTotal: 4}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["r1"].UpdatedAt = base.Unix()
	store.runs["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "r3" {
		t.Fatalf("expected newest run first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byDate, err := store.List(ctx, buildListOptions([]ListOption{WithBriefingDate("2026-03-02")}))
	if err != nil {
		t.Fatalf("list by date: %v", err)
	}
	if len(byDate) != 2 {
		t.Fatalf("expected 2 runs for 2026-03-02, got %d", len(byDate))
	}

	withOutcome, err := store.List(ctx, buildListOptions([]ListOption{WithOutcomePresence(true)}))
	if err != nil {
		t.Fatalf("list with outcome: %v", err)
	}
	if len(withOutcome) != 1 || withOutcome[0].ID != "r3" {
		t.Fatalf("unexpected outcome list: %+v", withOutcome)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs to match since filter, got %d", len(recent))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("briefing body")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "r3" {
		t.Fatalf("unexpected query list: %+v", matched)
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "r2" {
		t.Fatalf("unexpected paged list: %+v", paged)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Run{ID: "r1", BriefingDate: "2026-03-02", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claimed run = %+v, want running with 1 attempt", claimed)
	}

	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("claim of running run = %v, want ErrRunConflict", err)
	}

	if err := store.MarkFailed(ctx, "r1", CodeRunProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "r1", CodeRunProcessing, "boom again", false); err != nil {
		t.Fatalf("mark failed again: %v", err)
	}

	// 尝试次数已达上限。
	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRunExhausted) {
		t.Fatalf("claim of exhausted run = %v, want ErrRunExhausted", err)
	}

	if err := store.MarkSucceeded(ctx, "r1", Outcome{Report: "done"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRunCompleted) {
		t.Fatalf("claim of completed run = %v, want ErrRunCompleted", err)
	}

	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("claim of missing run = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	runs := []*Run{
		{ID: "a", BriefingDate: "2026-03-02", Status: StatusPending, MaxRetries: 3},
		{ID: "b", BriefingDate: "2026-03-02", Status: StatusPending, MaxRetries: 3},
		{ID: "c", BriefingDate: "2026-03-03", Status: StatusPending, MaxRetries: 3},
	}

	for _, r := range runs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeRunProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", Outcome{Report: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["a"].UpdatedAt = base.Unix()
	store.runs["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withOutcome, err := store.Stats(ctx, buildListOptions([]ListOption{WithOutcomePresence(true)}))
	if err != nil {
		t.Fatalf("stats with outcome: %v", err)
	}
	if withOutcome.Total != 1 || withOutcome.Succeeded != 1 {
		t.Fatalf("unexpected stats with outcome: %+v", withOutcome)
	}

	withoutOutcome, err := store.Stats(ctx, buildListOptions([]ListOption{WithOutcomePresence(false)}))
	if err != nil {
		t.Fatalf("stats without outcome: %v", err)
	}
	if withoutOutcome.Total != 2 || withoutOutcome.Pending != 1 || withoutOutcome.Failed != 1 {
		t.Fatalf("unexpected stats without outcome: %+v", withoutOutcome)
	}

	byDate, err := store.Stats(ctx, buildListOptions([]ListOption{WithBriefingDate("2026-03-02")}))
	if err != nil {
		t.Fatalf("stats by date: %v", err)
	}
	if byDate.Total != 2 {
		t.Fatalf("unexpected stats by date: %+v", byDate)
	}
}

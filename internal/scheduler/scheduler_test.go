package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/esdataapp/orchestrator/internal/config"
	"github.com/esdataapp/orchestrator/internal/launcher"
	"github.com/esdataapp/orchestrator/internal/planner"
	"github.com/esdataapp/orchestrator/internal/store/sqlite"
	"github.com/esdataapp/orchestrator/internal/types"
)

// scriptedLauncher replays a fixed sequence of outcomes per item key,
// tracking concurrent in-flight calls per site for exclusivity assertions.
type scriptedLauncher struct {
	mu       sync.Mutex
	scripts  map[string][]launcher.Outcome
	calls    map[string]int
	sleep    time.Duration
	running  map[string]int // site -> concurrent count
	maxSeen  map[string]int
}

func newScriptedLauncher() *scriptedLauncher {
	return &scriptedLauncher{
		scripts: make(map[string][]launcher.Outcome),
		calls:   make(map[string]int),
		running: make(map[string]int),
		maxSeen: make(map[string]int),
	}
}

func (s *scriptedLauncher) script(key string, outcomes ...launcher.Outcome) {
	s.scripts[key] = outcomes
}

func (s *scriptedLauncher) Launch(ctx context.Context, item *types.WorkItem, monthYear string, executionNumber int, batchID string, siteCfg config.SiteConfig) launcher.Outcome {
	s.mu.Lock()
	s.running[item.SiteCode]++
	if s.running[item.SiteCode] > s.maxSeen[item.SiteCode] {
		s.maxSeen[item.SiteCode] = s.running[item.SiteCode]
	}
	idx := s.calls[item.Key]
	s.calls[item.Key] = idx + 1
	script := s.scripts[item.Key]
	sleep := s.sleep
	s.mu.Unlock()

	if sleep > 0 {
		time.Sleep(sleep)
	}

	s.mu.Lock()
	s.running[item.SiteCode]--
	s.mu.Unlock()

	if idx < len(script) {
		return script[idx]
	}
	return launcher.Outcome{Success: true, OutputPath: "/data/out.csv"}
}

func (s *scriptedLauncher) maxConcurrent(site string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen[site]
}

type alwaysAdmit struct{}

func (alwaysAdmit) Admit(time.Time) bool { return true }

func newTestBatch(t *testing.T, items []*types.WorkItem) (*sqlite.Store, *types.Batch) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := planner.New(store, func() time.Time { return time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC) })
	batch, err := p.Plan(context.Background(), "", items)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return store, batch
}

func runWithTimeout(t *testing.T, loop *Loop, batch *types.Batch, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return loop.Run(ctx, batch)
}

func TestSingleSiteNoDetailsCompletes(t *testing.T) {
	item := &types.WorkItem{CollectorName: "i24", SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", SeedURL: "u1", Order: 1, Stage: types.StagePrimary, Status: types.StatusPending, MaxAttempts: 3}
	item.Key = item.ComputeKey()

	store, batch := newTestBatch(t, []*types.WorkItem{item})
	lnch := newScriptedLauncher()

	loop := New(store, lnch, alwaysAdmit{}, nil, Config{MaxParallel: 4, RotationSites: []string{"A"}, PollInterval: 20 * time.Millisecond}, nil)
	if err := runWithTimeout(t, loop, batch, 2*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	finalBatch, err := store.GetBatch(context.Background(), batch.BatchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if finalBatch.Status != types.BatchCompleted {
		t.Fatalf("expected batch completed, got %s", finalBatch.Status)
	}
	if finalBatch.CompletedItems != 1 || finalBatch.FailedItems != 0 {
		t.Fatalf("expected 1 completed 0 failed, got %+v", finalBatch)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	item := &types.WorkItem{CollectorName: "i24", SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", SeedURL: "u1", Order: 1, Stage: types.StagePrimary, Status: types.StatusPending, MaxAttempts: 3}
	item.Key = item.ComputeKey()

	store, batch := newTestBatch(t, []*types.WorkItem{item})
	lnch := newScriptedLauncher()
	lnch.script(item.Key, launcher.Outcome{FailureReason: "exit 2"})

	loop := New(store, lnch, alwaysAdmit{}, nil, Config{MaxParallel: 4, RotationSites: []string{"A"}, RetryDelay: 50 * time.Millisecond, PollInterval: 20 * time.Millisecond}, nil)
	if err := runWithTimeout(t, loop, batch, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	items, err := store.ItemsForBatchByStatus(context.Background(), batch.BatchID, types.StatusCompleted)
	if err != nil {
		t.Fatalf("items by status: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 completed item, got %d", len(items))
	}
	if items[0].Attempts != 1 {
		t.Fatalf("expected 1 recorded failed attempt before success, got %d", items[0].Attempts)
	}
}

func TestPermanentFailureCascadesToDetail(t *testing.T) {
	primary := &types.WorkItem{CollectorName: "i24", SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", SeedURL: "u1", Order: 1, Stage: types.StagePrimary, Status: types.StatusPending, MaxAttempts: 1}
	primary.Key = primary.ComputeKey()
	detail := &types.WorkItem{CollectorName: "i24_det", SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", Order: 1, Stage: types.StageDetail, DependsOn: primary.Key, Status: types.StatusBlocked, MaxAttempts: 1}
	detail.Key = detail.ComputeKey()

	store, batch := newTestBatch(t, []*types.WorkItem{primary, detail})
	lnch := newScriptedLauncher()
	lnch.script(primary.Key, launcher.Outcome{FailureReason: "exit 1"})

	loop := New(store, lnch, alwaysAdmit{}, nil, Config{MaxParallel: 4, RotationSites: []string{"A"}, PollInterval: 20 * time.Millisecond}, nil)
	if err := runWithTimeout(t, loop, batch, 2*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	failedItems, err := store.ItemsForBatchByStatus(context.Background(), batch.BatchID, types.StatusFailed)
	if err != nil {
		t.Fatalf("items by status: %v", err)
	}
	if len(failedItems) != 2 {
		t.Fatalf("expected primary and detail both failed, got %d", len(failedItems))
	}

	var detailFound bool
	for _, it := range failedItems {
		if it.Key == detail.Key {
			detailFound = true
			if it.ErrorMessage != "upstream failed" {
				t.Fatalf("expected upstream failed reason, got %q", it.ErrorMessage)
			}
		}
	}
	if !detailFound {
		t.Fatal("expected detail item among failed items")
	}

	if calls := lnch.calls[detail.Key]; calls != 0 {
		t.Fatalf("expected detail to never be launched, got %d calls", calls)
	}
}

func TestSiteExclusivityUnderContention(t *testing.T) {
	var items []*types.WorkItem
	for i := 1; i <= 4; i++ {
		item := &types.WorkItem{CollectorName: "i24", SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", SeedURL: "u", Order: i, Stage: types.StagePrimary, Status: types.StatusPending, MaxAttempts: 3}
		item.Key = item.ComputeKey()
		items = append(items, item)
	}
	itemB := &types.WorkItem{CollectorName: "i24", SiteCode: "B", CityCode: "X", OperationCode: "S", ProductCode: "P", SeedURL: "u", Order: 1, Stage: types.StagePrimary, Status: types.StatusPending, MaxAttempts: 3}
	itemB.Key = itemB.ComputeKey()
	items = append(items, itemB)

	store, batch := newTestBatch(t, items)
	lnch := newScriptedLauncher()
	lnch.sleep = 100 * time.Millisecond

	loop := New(store, lnch, alwaysAdmit{}, nil, Config{MaxParallel: 4, RotationSites: []string{"A", "B"}, PollInterval: 10 * time.Millisecond}, nil)
	if err := runWithTimeout(t, loop, batch, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := lnch.maxConcurrent("A"); got > 1 {
		t.Fatalf("expected at most 1 concurrent item for site A, saw %d", got)
	}

	finalBatch, err := store.GetBatch(context.Background(), batch.BatchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if finalBatch.CompletedItems != 5 {
		t.Fatalf("expected all 5 items completed, got %d", finalBatch.CompletedItems)
	}
}

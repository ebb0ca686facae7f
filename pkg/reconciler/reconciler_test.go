package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/relayer"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// fakeMachine completes every transfer it is asked to advance unless
// outcome says otherwise.
type fakeMachine struct {
	store      *db.MemoryStore
	maxRetries int
	outcome    func(t *db.Transfer)
	delay      time.Duration

	mu        sync.Mutex
	calls     []string
	triggers  []relayer.Trigger
	active    map[string]int
	maxActive int
}

func newFakeMachine(store *db.MemoryStore) *fakeMachine {
	return &fakeMachine{store: store, maxRetries: 3, active: make(map[string]int)}
}

func (f *fakeMachine) MaxRetries() int { return f.maxRetries }

func (f *fakeMachine) Advance(ctx context.Context, key string, trigger relayer.Trigger) (*db.Transfer, error) {
	rec, err := f.store.GetTransfer(ctx, db.WithKey(key))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.triggers = append(f.triggers, trigger)
	f.active[rec.TargetAddress]++
	if f.active[rec.TargetAddress] > f.maxActive {
		f.maxActive = f.active[rec.TargetAddress]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[rec.TargetAddress]--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.store.UpdateTransfer(ctx, key, func(t *db.Transfer) error {
		if f.outcome != nil {
			f.outcome(t)
			return nil
		}
		t.SourceTxStatus = db.TxStatusSuccess
		t.TargetTxStatus = db.TxStatusSuccess
		t.TargetTxHash = "0xdone"
		return nil
	})
}

func (f *fakeMachine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		Enabled:      true,
		Interval:     time.Hour,
		FailedWindow: 24 * time.Hour,
		Concurrency:  4,
		BatchSize:    100,
		PassTimeout:  time.Minute,
	}
}

func seed(t *testing.T, store *db.MemoryStore, rec *db.Transfer) {
	t.Helper()
	if rec.TargetAddress == "" {
		rec.TargetAddress = "0x2000000000000000000000000000000000000002"
	}
	created, err := store.CreateTransfer(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
}

func TestReconciler_PendingPassResumesTransfer(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	seed(t, store, &db.Transfer{
		SourceTxHash:   "0xaa",
		SourceTxStatus: db.TxStatusSuccess,
		TargetTxStatus: db.TxStatusPending,
	})

	r := New(store, machine, testConfig(), zap.NewNop())
	report, err := r.RunOnce(context.Background(), Options{Reason: "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.Visited)
	assert.Equal(t, 1, report.Minted)

	rec, err := store.GetTransfer(context.Background(), db.WithSourceTxHash("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, db.TxStatusSuccess, rec.TargetTxStatus)
	assert.Equal(t, db.BridgeStatusMinted, rec.CrossBridgeStatus)
	assert.Equal(t, []relayer.Trigger{relayer.TriggerReconcile}, machine.triggers)
}

func TestReconciler_FailedPassRespectsRetryBudget(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)

	seed(t, store, &db.Transfer{
		SourceTxHash: "0x01", SourceTxStatus: db.TxStatusSuccess, TargetTxStatus: db.TxStatusFailed,
		ErrorKind: string(retry.KindUnresolved), Permanent: true,
	})
	seed(t, store, &db.Transfer{
		SourceTxHash: "0x02", SourceTxStatus: db.TxStatusSuccess, TargetTxStatus: db.TxStatusFailed,
		ErrorKind: string(retry.KindReverted), RetryCount: 3,
	})
	seed(t, store, &db.Transfer{
		SourceTxHash: "0x03", SourceTxStatus: db.TxStatusSuccess, TargetTxStatus: db.TxStatusFailed,
		ErrorKind: string(retry.KindReverted), RetryCount: 1,
	})

	r := New(store, machine, testConfig(), zap.NewNop())

	// destination failures with a confirmed source are part of the pending
	// pass; exhausted ones are not even selected
	report, err := r.RunOnce(context.Background(), Options{Reason: "test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0x03"}, machine.Calls())
	assert.Equal(t, 1, report.Visited)
	assert.Equal(t, 1, report.Minted)

	report, err = r.RunOnce(context.Background(), Options{Reason: "test", FailedWindow: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Visited)

	report, err = r.RunOnce(context.Background(), Options{Reason: "cli", FailedWindow: time.Hour, Manual: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0x03", "0x01", "0x02"}, machine.Calls())
	assert.Equal(t, 2, report.Visited)
	assert.Equal(t, relayer.TriggerManual, machine.triggers[len(machine.triggers)-1])
}

func TestReconciler_ExhaustedFailuresDoNotStarveBatch(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	clock := time.Now()
	store.SetClock(func() time.Time { return clock })

	// older than anything retryable and enough of them to fill a batch
	for i := 0; i < 3; i++ {
		seed(t, store, &db.Transfer{
			SourceTxHash:   fmt.Sprintf("0x%02x", i+1),
			SourceTxStatus: db.TxStatusSuccess,
			TargetTxStatus: db.TxStatusFailed,
			ErrorKind:      string(retry.KindUnresolved),
			Permanent:      true,
			TargetAddress:  fmt.Sprintf("0x%040x", i+1),
		})
		clock = clock.Add(time.Second)
	}
	seed(t, store, &db.Transfer{SourceTxHash: "0xfresh", SourceTxStatus: db.TxStatusSuccess})

	cfg := testConfig()
	cfg.BatchSize = 3
	r := New(store, machine, cfg, zap.NewNop())

	report, err := r.RunOnce(context.Background(), Options{Reason: "test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0xfresh"}, machine.Calls())
	assert.Equal(t, 1, report.Minted)

	// an operator run still reaches the permanent failures
	report, err = r.RunOnce(context.Background(), Options{Reason: "cli", Manual: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Visited)
}

func TestReconciler_StartOutlivesCaller(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	machine.delay = 50 * time.Millisecond
	seed(t, store, &db.Transfer{SourceTxHash: "0xee", SourceTxStatus: db.TxStatusSuccess})

	r := New(store, machine, testConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(machine.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	seed(t, store, &db.Transfer{SourceTxHash: "0xef", SourceTxStatus: db.TxStatusSuccess})
	runID := r.Start(Options{Reason: "api", Manual: true})
	assert.NotEmpty(t, runID)
	other := r.Start(Options{Reason: "api", Manual: true})
	assert.NotEqual(t, runID, other)

	var report *Report
	require.Eventually(t, func() bool {
		var ok bool
		report, ok = r.Report(runID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, runID, report.RunID)
	assert.Equal(t, "api", report.Reason)
	assert.Contains(t, machine.Calls(), "0xef")

	_, ok := r.Report("unknown")
	assert.False(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReconciler_RunOnceKeepsGivenRunID(t *testing.T) {
	store := db.NewMemoryStore()
	r := New(store, newFakeMachine(store), testConfig(), zap.NewNop())

	report, err := r.RunOnce(context.Background(), Options{RunID: "run-42", Reason: "test"})
	require.NoError(t, err)
	assert.Equal(t, "run-42", report.RunID)

	stored, ok := r.Report("run-42")
	require.True(t, ok)
	assert.Same(t, report, stored)
}

func TestReportLog_EvictsOldest(t *testing.T) {
	l := newReportLog(2)
	for _, id := range []string{"a", "b", "c"} {
		l.add(&Report{RunID: id})
	}
	_, ok := l.get("a")
	assert.False(t, ok)
	_, ok = l.get("c")
	assert.True(t, ok)
}

func TestReconciler_InsufficientFundsIsRateLimited(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	machine.outcome = func(t *db.Transfer) {
		t.TargetTxStatus = db.TxStatusFailed
		t.ErrorKind = string(retry.KindInsufficientFunds)
	}
	for i := 0; i < 3; i++ {
		seed(t, store, &db.Transfer{
			SourceTxHash:   fmt.Sprintf("0x%02x", i+1),
			SourceTxStatus: db.TxStatusSuccess,
			TargetTxStatus: db.TxStatusFailed,
			ErrorKind:      string(retry.KindInsufficientFunds),
			TargetAddress:  fmt.Sprintf("0x%040x", i+1),
		})
	}

	cfg := testConfig()
	cfg.InsufficientFundsPeriod = time.Hour
	r := New(store, machine, cfg, zap.NewNop())

	report, err := r.RunOnce(context.Background(), Options{Reason: "test", FailedWindow: time.Hour})
	require.NoError(t, err)
	assert.Len(t, machine.Calls(), 1)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Failed)
}

func TestReconciler_RecipientGroupsRunSequentially(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	machine.delay = 20 * time.Millisecond

	for i := 0; i < 6; i++ {
		seed(t, store, &db.Transfer{
			SourceTxHash:   fmt.Sprintf("0x%02x", i+1),
			SourceTxStatus: db.TxStatusSuccess,
			TargetAddress:  fmt.Sprintf("0x%040x", i%2),
		})
	}

	r := New(store, machine, testConfig(), zap.NewNop())
	report, err := r.RunOnce(context.Background(), Options{Reason: "test"})
	require.NoError(t, err)
	assert.Equal(t, 6, report.Visited)
	assert.Equal(t, 1, machine.maxActive)
}

func TestReconciler_AttemptsEachTransferOncePerRun(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	// the pending pass fails the record, so the failed pass sees it again
	machine.outcome = func(t *db.Transfer) {
		t.TargetTxStatus = db.TxStatusFailed
		t.ErrorKind = string(retry.KindReverted)
	}
	seed(t, store, &db.Transfer{SourceTxHash: "0xbb", SourceTxStatus: db.TxStatusSuccess})

	r := New(store, machine, testConfig(), zap.NewNop())
	report, err := r.RunOnce(context.Background(), Options{Reason: "test", FailedWindow: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"0xbb"}, machine.Calls())
	assert.Equal(t, 1, report.Failed)
}

func TestReconciler_RunReconcilesOnStartAndTrigger(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	seed(t, store, &db.Transfer{SourceTxHash: "0xcc", SourceTxStatus: db.TxStatusSuccess})

	r := New(store, machine, testConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(machine.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	seed(t, store, &db.Transfer{SourceTxHash: "0xdd", SourceTxStatus: db.TxStatusSuccess})
	r.Trigger("reconnect:sepolia")
	require.Eventually(t, func() bool {
		return len(machine.Calls()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "0xdd", machine.Calls()[1])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReconciler_PassTimeout(t *testing.T) {
	store := db.NewMemoryStore()
	machine := newFakeMachine(store)
	machine.delay = 50 * time.Millisecond
	for i := 0; i < 5; i++ {
		seed(t, store, &db.Transfer{
			SourceTxHash:   fmt.Sprintf("0x%02x", i+1),
			SourceTxStatus: db.TxStatusSuccess,
		})
	}

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.PassTimeout = 20 * time.Millisecond
	r := New(store, machine, cfg, zap.NewNop())

	report, err := r.RunOnce(context.Background(), Options{Reason: "test"})
	require.NoError(t, err)
	assert.Less(t, report.Visited, 5)
}

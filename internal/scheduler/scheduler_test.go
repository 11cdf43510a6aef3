package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commontoolsinc/reactor/internal/action"
	"github.com/commontoolsinc/reactor/internal/capability"
	"github.com/commontoolsinc/reactor/internal/cell"
	"github.com/commontoolsinc/reactor/internal/config"
	"github.com/commontoolsinc/reactor/internal/depindex"
	"github.com/commontoolsinc/reactor/internal/runner"
	"github.com/commontoolsinc/reactor/internal/store"
	"github.com/commontoolsinc/reactor/internal/streaming"
	"github.com/commontoolsinc/reactor/internal/txn"
)

type harness struct {
	sched *Scheduler
	cells *cell.Store
	index *depindex.Index
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := capability.GenerateKeyPair()
	require.NoError(t, err)

	cells := cell.NewStore()
	signer := capability.NewSigner(priv, "k", "reactor-test")
	verifier := capability.NewVerifier(pub)
	queue := txn.NewSendQueue(256, 4, 10000, time.Hour, store.NewMemoryVersionedStore(), store.NewMemoryCommitLog(1000), store.NewWriteBuffer(1000, 1000, time.Hour))
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	factory := txn.NewFactory(cells, signer, verifier, queue, time.Minute)
	index := depindex.New()
	r := runner.New(factory, index)

	cfg := config.Default()
	sched := New(cfg, cells, index, r, streaming.NewLogPublisher(nil))
	t.Cleanup(sched.Stop)

	return &harness{sched: sched, cells: cells, index: index}
}

func outputAction(id action.ID, out cell.ID, impl action.Implementation) *action.Action {
	return &action.Action{ID: id, Kind: action.Derivation, OutputCell: &out, Impl: impl}
}

// Scenario 1: single derivation (spec §8 scenario 1).
func TestSingleDerivation(t *testing.T) {
	h := newHarness(t)
	h.cells.Set("x", 1)

	a := outputAction("A", "y", func(ctx context.Context, tx action.Tx, payload any) (any, error) {
		x, _ := tx.Get("x")
		return x.(int) + 1, nil
	})
	h.sched.Register(a)

	res := h.sched.Idle(context.Background(), 2*time.Second)
	require.False(t, res.TimedOut)
	require.NoError(t, res.Err)

	y, _, ok := h.cells.Get("y")
	require.True(t, ok)
	require.Equal(t, 2, y)
	require.Equal(t, 0, res.OutstandingCommits)
	require.Equal(t, []string{"A"}, h.index.Dependents("x"))
}

// Scenario 2: chain (spec §8 scenario 2).
func TestChain(t *testing.T) {
	h := newHarness(t)
	h.cells.Set("x", 3)

	var bRuns int
	a := outputAction("A", "y", func(ctx context.Context, tx action.Tx, payload any) (any, error) {
		x, _ := tx.Get("x")
		return x.(int) + 1, nil
	})
	b := outputAction("B", "z", func(ctx context.Context, tx action.Tx, payload any) (any, error) {
		bRuns++
		y, _ := tx.Get("y")
		return y.(int) * 2, nil
	})

	h.sched.Register(a)
	h.sched.Register(b)

	res := h.sched.Idle(context.Background(), 2*time.Second)
	require.False(t, res.TimedOut)

	y, _, _ := h.cells.Get("y")
	z, _, _ := h.cells.Get("z")
	require.Equal(t, 4, y)
	require.Equal(t, 8, z)
	require.Equal(t, 1, bRuns)
}

// Scenario 3: fan-out multi-push. An event handler pushes two sub-items,
// each triggering a cascade of 40 derivations; idle() resolves with
// outstandingCommits empty, no derivation runs more than chainLength+2
// times in total, and both chain ends reach 2+chainLength.
func TestFanOutMultiPush(t *testing.T) {
	h := newHarness(t)

	const chainLength = 40
	runs := make(map[action.ID]int)

	buildChain := func(prefix string) {
		h.cells.Set(cell.ID(prefix+"-0"), 0)
		for i := 1; i <= chainLength; i++ {
			i := i
			readCell := cell.ID(prefix + "-" + itoa(i-1))
			writeCell := cell.ID(prefix + "-" + itoa(i))
			stepID := action.ID(prefix + "-step-" + itoa(i))
			a := outputAction(stepID, writeCell, func(ctx context.Context, tx action.Tx, payload any) (any, error) {
				runs[stepID]++
				v, _ := tx.Get(readCell)
				n := 0
				if v != nil {
					n = v.(int)
				}
				return n + 1, nil
			})
			h.sched.Register(a)
		}
	}

	buildChain("left")
	buildChain("right")

	handler := &action.Action{
		ID:   "fan",
		Kind: action.EventHandler,
		Impl: func(ctx context.Context, tx action.Tx, payload any) (any, error) {
			if payload == nil {
				// First run happens at registration, before any event was
				// sent; nothing to push yet.
				return nil, nil
			}
			n := payload.(map[string]int)["n"]
			tx.Set("left-0", n)
			tx.Set("right-0", n)
			return nil, nil
		},
	}
	h.sched.Register(handler)

	require.NoError(t, h.sched.Send(context.Background(), "fan", map[string]int{"n": 2}))

	res := h.sched.Idle(context.Background(), 10*time.Second)
	require.False(t, res.TimedOut)
	require.Equal(t, 0, res.OutstandingCommits)

	for id, count := range runs {
		require.LessOrEqualf(t, count, chainLength+2, "action %s ran suspiciously many times: %d", id, count)
	}

	left, _, _ := h.cells.Get(cell.ID("left-" + itoa(chainLength)))
	right, _, _ := h.cells.Get(cell.ID("right-" + itoa(chainLength)))
	require.Equal(t, 2+chainLength, left)
	require.Equal(t, 2+chainLength, right)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// Scenario 4: stale-read retry. A transaction's first commit observes a
// write to one of its reads that landed after the read but before commit;
// verify the action re-runs exactly once and ultimately succeeds, with
// retries cleared.
func TestStaleReadRetry(t *testing.T) {
	h := newHarness(t)
	h.cells.Set("x", 1)

	attempts := 0
	a := outputAction("derive-y", "y", func(ctx context.Context, tx action.Tx, payload any) (any, error) {
		x, _ := tx.Get("x")
		attempts++
		if attempts == 1 {
			// Simulate a write landing between this read and the
			// transaction's (asynchronous) commit.
			h.cells.Set("x", 99)
		}
		return x.(int) + 1, nil
	})
	h.sched.Register(a)

	res := h.sched.Idle(context.Background(), 2*time.Second)
	require.False(t, res.TimedOut)
	require.Equal(t, 2, attempts)

	y, _, _ := h.cells.Get("y")
	require.Equal(t, 100, y)
}

// Scenario 5: iteration cap. Two actions mutually read each other's
// outputs, incrementing without bound; verify settle terminates at
// MAX_SETTLE_ITERATIONS and reports IterationCapExceeded.
func TestIterationCapExceeded(t *testing.T) {
	h := newHarness(t)
	h.cells.Set("a", 0)
	h.cells.Set("b", 0)

	a := outputAction("A", "a", func(ctx context.Context, tx action.Tx, payload any) (any, error) {
		b, _ := tx.Get("b")
		bv := 0
		if b != nil {
			bv = b.(int)
		}
		return bv + 1, nil
	})
	b := outputAction("B", "b", func(ctx context.Context, tx action.Tx, payload any) (any, error) {
		av, _ := tx.Get("a")
		v := 0
		if av != nil {
			v = av.(int)
		}
		return v + 1, nil
	})

	errs := h.sched.Errors()
	h.sched.Register(a)
	h.sched.Register(b)

	res := h.sched.Idle(context.Background(), 5*time.Second)
	require.False(t, res.TimedOut)

	select {
	case e := <-errs:
		require.Equal(t, KindIterationCapExceeded, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an IterationCapExceeded error")
	}
}

// Scenario 6: invalidation mid-run. The single-threaded cooperative model
// means nothing can call Unregister concurrently with an in-flight
// action (§5: no suspension between opening a transaction and completing
// resubscribe), so invalidation "during" a run is necessarily driven by
// the action's own validity predicate flipping state observable the
// moment its implementation returns. Verify no commit occurs, idle()
// still resolves, and no dependency-index entries exist for the action.
func TestInvalidationMidRun(t *testing.T) {
	h := newHarness(t)
	h.cells.Set("x", 1)

	var tornDown bool
	outCell := cell.ID("y")
	a := &action.Action{
		ID:         "torn-down",
		Kind:       action.Derivation,
		OutputCell: &outCell,
		IsValid:    func() bool { return !tornDown },
		Impl: func(ctx context.Context, tx action.Tx, payload any) (any, error) {
			x, _ := tx.Get("x")
			tornDown = true
			return x.(int) + 1, nil
		},
	}
	h.sched.Register(a)

	res := h.sched.Idle(context.Background(), 2*time.Second)
	require.False(t, res.TimedOut)
	require.Equal(t, 0, res.OutstandingCommits)

	_, _, ok := h.cells.Get("y")
	require.False(t, ok, "invalidated action must not commit its write")
	require.Empty(t, h.index.Dependents("x"))
}

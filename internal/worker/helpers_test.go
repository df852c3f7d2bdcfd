package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/metrics"
	memnotify "github.com/rankpulse/rankpulse/internal/notify/memory"
	"github.com/rankpulse/rankpulse/internal/rank"
	memstore "github.com/rankpulse/rankpulse/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type checkKey struct {
	term   string
	device rank.Device
}

type checkResponse struct {
	result rank.CheckResult
	err    error
}

// fakeProvider replays scripted responses per keyword/device; the last
// scripted response repeats. Unscripted checks succeed at position 3.
type fakeProvider struct {
	mu        sync.Mutex
	responses map[checkKey][]checkResponse
	calls     []checkKey
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{responses: make(map[checkKey][]checkResponse)}
}

func (p *fakeProvider) script(term string, device rank.Device, resp ...checkResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := checkKey{term: term, device: device}
	p.responses[key] = append(p.responses[key], resp...)
}

func (p *fakeProvider) failWith(term string, device rank.Device, msg string) {
	p.script(term, device, checkResponse{err: fmt.Errorf("%s", msg)})
}

func (p *fakeProvider) Check(_ context.Context, req rank.CheckRequest) (rank.CheckResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := checkKey{term: req.SearchTerm, device: req.Device}
	p.calls = append(p.calls, key)

	queue := p.responses[key]
	if len(queue) == 0 {
		pos := 3
		return rank.CheckResult{Found: true, Position: &pos, URL: "https://" + req.TargetDomain + "/"}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		p.responses[key] = queue[1:]
	}
	return resp.result, resp.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type refundCall struct {
	accountID string
	amount    int
	key       string
}

// fakeLedger models the credit ledger's idempotency: a repeated key
// returns ErrAlreadyProcessed without recording a second movement.
type fakeLedger struct {
	mu       sync.Mutex
	refunds  []refundCall
	seenKeys map[string]bool
	failWith error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seenKeys: make(map[string]bool)}
}

func (l *fakeLedger) Debit(_ context.Context, accountID string, amount int, key string, _ map[string]any) error {
	return l.apply(accountID, amount, key)
}

func (l *fakeLedger) Refund(_ context.Context, accountID string, amount int, key string, _ map[string]any) error {
	return l.apply(accountID, amount, key)
}

func (l *fakeLedger) Balance(context.Context, string) (int, error) {
	return 0, nil
}

func (l *fakeLedger) apply(accountID string, amount int, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	if l.seenKeys[key] {
		return rank.ErrAlreadyProcessed
	}
	l.seenKeys[key] = true
	l.refunds = append(l.refunds, refundCall{accountID: accountID, amount: amount, key: key})
	return nil
}

func (l *fakeLedger) refundCalls() []refundCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]refundCall, len(l.refunds))
	copy(out, l.refunds)
	return out
}

// env bundles a fully wired worker over the in-memory store.
type env struct {
	store     *memstore.BatchStore
	provider  *fakeProvider
	ledger    *fakeLedger
	notifier  *memnotify.Notifier
	clock     *fakeClock
	driver    *Driver
	processor *ItemProcessor
	evaluator *Evaluator
	reaper    *Reaper
	selector  *Selector
}

const testStaleness = time.Hour

func newEnv(t *testing.T) *env {
	t.Helper()

	store := memstore.NewBatchStore()
	provider := newFakeProvider()
	ledger := newFakeLedger()
	notifier := memnotify.NewNotifier()
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	logger := zap.NewNop()

	selector := NewSelector(store, clock, logger)
	processor := NewItemProcessor(store, provider, rank.NewStandardRetryPolicy(), clock, &seqIDGen{}, ProcessorConfig{BatchSize: 25}, logger)
	evaluator := NewEvaluator(store, ledger, notifier, clock, logger)
	reaper := NewReaper(store, evaluator, clock, testStaleness, logger)
	driver := NewDriver(store, selector, processor, evaluator, reaper, logger)

	return &env{
		store:     store,
		provider:  provider,
		ledger:    ledger,
		notifier:  notifier,
		clock:     clock,
		driver:    driver,
		processor: processor,
		evaluator: evaluator,
		reaper:    reaper,
		selector:  selector,
	}
}

// seedRun creates a pending run with n items, one keyword per item.
func (e *env) seedRun(t *testing.T, runID string, n int) rank.BatchRun {
	t.Helper()

	now := e.clock.Now()
	run := rank.BatchRun{
		ID:             runID,
		AccountID:      "acct-1",
		IdempotencyKey: "idem-" + runID,
		TargetDomain:   "example.com",
		Status:         rank.RunStatusPending,
		Counters: rank.RunCounters{
			TotalKeywords:    n,
			TotalCreditsUsed: n * rank.ChecksPerItem,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	items := make([]rank.BatchItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, rank.BatchItem{
			ID:            fmt.Sprintf("%s-item-%d", runID, i+1),
			RunID:         runID,
			KeywordID:     fmt.Sprintf("kw-%d", i+1),
			SearchTerm:    fmt.Sprintf("keyword %d", i+1),
			LocationCode:  "2840",
			DesktopStatus: rank.CheckStatusPending,
			MobileStatus:  rank.CheckStatusPending,
			CreatedAt:     now.Add(time.Duration(i) * time.Second),
		})
	}
	if err := e.store.CreateItems(context.Background(), items); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	return run
}

func (e *env) getRun(t *testing.T, runID string) rank.BatchRun {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func (e *env) getItems(t *testing.T, runID string) []rank.BatchItem {
	t.Helper()
	items, err := e.store.ListItems(context.Background(), runID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	return items
}

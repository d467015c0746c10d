package mapper

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/core/cursor"
	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/llm/mock"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/llm/routing"
	"github.com/vietddude/chatdigest/internal/infra/storage/memory"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	cfg     *domain.RunConfig
	run     *checkpoint.Run
	manager *cursor.DefaultManager
	backend *mock.Provider
	repo    *memory.RecordRepo
}

// five records of 120 formatted chars each, batched as [2, 2, 1].
func newFixture(t *testing.T, maxRequests int, respond mock.Responder) *fixture {
	t.Helper()

	store := memory.NewMemoryStorage()
	for i := 0; i < 5; i++ {
		store.Add(domain.Record{
			ID:        int64(i),
			Sender:    "s",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Text:      strings.Repeat("x", 98),
		})
	}

	cfg := &domain.RunConfig{
		RunID:             "run-1",
		StoreLocator:      "memory",
		Job:               domain.JobTopics,
		PageSize:          100,
		MaxRecordChars:    400,
		MaxBatchChars:     250,
		MaxBatchTokens:    3500,
		Timeout:           5 * time.Second,
		MaxRequests:       maxRequests,
		MaxAttempts:       1,
		ReduceMultiplier:  4,
		ReduceChunkFactor: 4,
	}

	run, err := checkpoint.Open(t.TempDir(), cfg.RunID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := run.SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	manager := cursor.NewManager(run, maxRequests)
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	return &fixture{
		cfg:     cfg,
		run:     run,
		manager: manager,
		backend: mock.New("mock", respond),
		repo:    memory.NewRecordRepo(store),
	}
}

func (f *fixture) stage(t *testing.T) *Stage {
	t.Helper()
	set, err := prompt.ForJob(f.cfg.Job, "")
	if err != nil {
		t.Fatalf("ForJob failed: %v", err)
	}
	invoker := routing.NewInvoker(f.backend, nil, routing.RetryConfig{MaxAttempts: 1, Timeout: 5 * time.Second})
	return NewStage(f.cfg, set, f.repo, invoker, f.run, f.manager, nil)
}

func TestStage_ProcessesAllBatches(t *testing.T) {
	f := newFixture(t, 0, nil)

	res, err := f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Complete || res.Batches != 3 || res.Records != 5 {
		t.Errorf("result = %+v, want complete with 3 batches and 5 records", res)
	}

	st := f.manager.State()
	if st.Phase != domain.PhaseReduce {
		t.Errorf("phase = %s, want reduce", st.Phase)
	}
	if st.Batches != 3 || st.Messages != 5 || st.Requests != 3 {
		t.Errorf("state = %+v, want 3 batches, 5 messages, 3 requests", st)
	}
	if st.Cursor == nil || st.Cursor.ID != 4 {
		t.Errorf("cursor = %v, want record 4", st.Cursor)
	}

	outputs, err := f.run.ReadMap()
	if err != nil {
		t.Fatalf("ReadMap failed: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("map outputs = %d, want 3", len(outputs))
	}
	wantSizes := []int{2, 2, 1}
	for i, out := range outputs {
		if out.BatchIndex != i {
			t.Errorf("output %d index = %d", i, out.BatchIndex)
		}
		if out.RecordCount != wantSizes[i] {
			t.Errorf("output %d records = %d, want %d", i, out.RecordCount, wantSizes[i])
		}
		if !out.Parsed() {
			t.Errorf("output %d was not parsed", i)
		}
	}

	reqs := f.backend.Requests()
	if len(reqs) != 3 {
		t.Fatalf("calls = %d, want 3", len(reqs))
	}
	if !strings.Contains(reqs[0].System, "topics") {
		t.Errorf("system prompt = %q", reqs[0].System)
	}
	if n := strings.Count(reqs[0].Data, "\n"); n != 1 {
		t.Errorf("first batch has %d newlines, want 1", n)
	}
}

func TestStage_KeepsRawTextOnParseFailure(t *testing.T) {
	f := newFixture(t, 0, func(call int, req provider.Request) (string, error) {
		if call == 1 {
			return "sorry, no structured answer today", nil
		}
		return mock.Canned(req.System), nil
	})

	res, err := f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ParseFailures != 1 {
		t.Errorf("parse failures = %d, want 1", res.ParseFailures)
	}

	outputs, err := f.run.ReadMap()
	if err != nil {
		t.Fatalf("ReadMap failed: %v", err)
	}
	if outputs[1].Parsed() {
		t.Error("batch 1 should not be parsed")
	}
	if outputs[1].Raw != "sorry, no structured answer today" || outputs[1].ParseError == "" {
		t.Errorf("batch 1 = %+v, want raw text and parse error", outputs[1])
	}
}

func TestStage_StopsOnBudget(t *testing.T) {
	f := newFixture(t, 2, nil)

	res, err := f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.BudgetStopped || res.Complete {
		t.Errorf("result = %+v, want budget stop", res)
	}
	if f.backend.Calls() != 2 {
		t.Errorf("calls = %d, want 2", f.backend.Calls())
	}

	st := f.manager.State()
	if st.Phase != domain.PhaseMap || st.Batches != 2 {
		t.Errorf("state = %+v, want map phase after 2 batches", st)
	}
}

func TestStage_ResumesAfterBudgetRaised(t *testing.T) {
	f := newFixture(t, 2, nil)
	if _, err := f.stage(t).Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	// a fresh process with a higher cap reloads from disk
	manager := cursor.NewManager(f.run, 10)
	if _, err := manager.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	f.manager = manager

	res, err := f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !res.Complete || res.Batches != 1 {
		t.Errorf("result = %+v, want one remaining batch", res)
	}

	outputs, err := f.run.ReadMap()
	if err != nil {
		t.Fatalf("ReadMap failed: %v", err)
	}
	if len(outputs) != 3 || outputs[2].BatchIndex != 2 || outputs[2].RecordCount != 1 {
		t.Errorf("outputs = %+v, want batches 0..2 with last of size 1", outputs)
	}
	if f.backend.Calls() != 3 {
		t.Errorf("total calls = %d, want 3", f.backend.Calls())
	}
}

func TestStage_FatalErrorIsJournaled(t *testing.T) {
	f := newFixture(t, 0, func(call int, req provider.Request) (string, error) {
		if call == 1 {
			return "", errors.New("401 Unauthorized: invalid api key")
		}
		return mock.Canned(req.System), nil
	})

	res, err := f.stage(t).Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail")
	}
	if routing.KindOf(err) != routing.KindAuth {
		t.Errorf("kind = %s, want auth", routing.KindOf(err))
	}
	if res.Batches != 1 {
		t.Errorf("batches = %d, want 1", res.Batches)
	}

	errs, rerr := f.run.ReadErrors()
	if rerr != nil {
		t.Fatalf("ReadErrors failed: %v", rerr)
	}
	if len(errs) != 1 || errs[0].Index != 1 || errs[0].Phase != domain.PhaseMap || errs[0].Kind != "auth" {
		t.Errorf("errors = %+v, want one auth error for batch 1", errs)
	}

	st := f.manager.State()
	if st.Errors != 1 || st.Batches != 1 || st.Phase != domain.PhaseMap {
		t.Errorf("state = %+v, want 1 error after 1 batch in map", st)
	}
}

func TestStage_MaxMessagesAcrossResume(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.cfg.MaxMessages = 3

	res, err := f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Complete || res.Records != 3 {
		t.Errorf("result = %+v, want 3 records", res)
	}

	// A reloaded run that finished mapping makes no further calls.
	f.manager = cursor.NewManager(f.run, 0)
	if _, err := f.manager.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	calls := f.backend.Calls()
	if _, err := f.stage(t).Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if f.backend.Calls() != calls {
		t.Errorf("calls grew from %d to %d", calls, f.backend.Calls())
	}
}

func TestStage_CancelledContext(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.stage(t).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if f.backend.Calls() != 0 {
		t.Errorf("calls = %d, want 0", f.backend.Calls())
	}
	if errs, _ := f.run.ReadErrors(); len(errs) != 0 {
		t.Errorf("cancellation should not be journaled, got %+v", errs)
	}
}

func TestStage_MessageCapReachedBeforeResume(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.cfg.MaxMessages = 2

	res, err := f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.BudgetStopped {
		t.Fatalf("result = %+v, want budget stop", res)
	}

	f.manager = cursor.NewManager(f.run, 0)
	if _, err := f.manager.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	res, err = f.stage(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !res.Complete || res.Batches != 0 {
		t.Errorf("result = %+v, want completion without batches", res)
	}
	if f.backend.Calls() != 1 {
		t.Errorf("calls = %d, want 1", f.backend.Calls())
	}
	if st := f.manager.State(); st.Phase != domain.PhaseReduce {
		t.Errorf("phase = %s, want reduce", st.Phase)
	}
}

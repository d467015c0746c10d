package reducer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chatdigest/internal/analysis/mapper"
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

// =============================================================================
// Chunk
// =============================================================================

func items(n, size int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		// `"` + x... + `"` is size runes long
		out[i] = json.RawMessage(`"` + strings.Repeat("x", size-2) + `"`)
	}
	return out
}

func chunkSizes(chunks [][]json.RawMessage) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name   string
		items  []json.RawMessage
		budget Budget
		want   []int
	}{
		{"empty", nil, Budget{MaxChars: 100, MaxItems: 4}, []int{}},
		{"item cap", items(10, 10), Budget{MaxChars: 1000, MaxItems: 4}, []int{4, 4, 2}},
		{"char budget", items(6, 40), Budget{MaxChars: 100, MaxItems: 10}, []int{2, 2, 2}},
		{"token budget", items(6, 40), Budget{MaxTokens: 25, MaxItems: 10}, []int{2, 2, 2}},
		{"oversize items pair up", items(5, 500), Budget{MaxChars: 100, MaxItems: 4}, []int{2, 2, 1}},
		{"item cap below two", items(4, 10), Budget{MaxChars: 1000, MaxItems: 1}, []int{2, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkSizes(Chunk(tt.items, tt.budget))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunk_PreservesOrder(t *testing.T) {
	var in []json.RawMessage
	for i := 0; i < 9; i++ {
		in = append(in, json.RawMessage(fmt.Sprintf("%d", i)))
	}

	var flat []json.RawMessage
	for _, c := range Chunk(in, Budget{MaxItems: 4}) {
		flat = append(flat, c...)
	}
	assert.Equal(t, in, flat)
}

// =============================================================================
// Stage
// =============================================================================

type fixture struct {
	cfg     *domain.RunConfig
	run     *checkpoint.Run
	manager *cursor.DefaultManager
	backend *mock.Provider
}

func testConfig() *domain.RunConfig {
	return &domain.RunConfig{
		RunID:             "run-1",
		StoreLocator:      "memory",
		Job:               domain.JobTopics,
		PageSize:          100,
		MaxRecordChars:    400,
		MaxBatchChars:     250,
		MaxBatchTokens:    1000,
		Timeout:           5 * time.Second,
		MaxAttempts:       1,
		ReduceMultiplier:  4,
		ReduceChunkFactor: 4,
	}
}

func newFixture(t *testing.T, cfg *domain.RunConfig, respond mock.Responder) *fixture {
	t.Helper()
	run, err := checkpoint.Open(t.TempDir(), cfg.RunID)
	require.NoError(t, err)
	require.NoError(t, run.SaveConfig(cfg))

	manager := cursor.NewManager(run, cfg.MaxRequests)
	require.NoError(t, manager.Init(context.Background()))

	return &fixture{cfg: cfg, run: run, manager: manager, backend: mock.New("mock", respond)}
}

// seed journals n parsed map outputs and moves the run to reduce.
func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.run.AppendMap(&domain.MapOutputRecord{
			BatchIndex: i,
			Result:     json.RawMessage(fmt.Sprintf(`{"batch":%d}`, i)),
		}))
	}
	require.NoError(t, f.manager.SetPhase(context.Background(), domain.PhaseReduce, "seeded"))
}

func (f *fixture) invoker() *routing.Invoker {
	return routing.NewInvoker(f.backend, nil, routing.RetryConfig{MaxAttempts: 1, Timeout: 5 * time.Second})
}

func (f *fixture) stage(t *testing.T) *Stage {
	t.Helper()
	set, err := prompt.ForJob(f.cfg.Job, "")
	require.NoError(t, err)
	return NewStage(f.cfg, set, f.invoker(), f.run, f.manager, nil)
}

func TestStage_EndToEnd(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, nil)

	store := memory.NewMemoryStorage()
	for i := 0; i < 5; i++ {
		store.Add(domain.Record{
			ID:        int64(i),
			Sender:    "s",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Text:      strings.Repeat("x", 98),
		})
	}
	set, err := prompt.ForJob(cfg.Job, "")
	require.NoError(t, err)

	mapRes, err := mapper.NewStage(cfg, set, memory.NewRecordRepo(store), f.invoker(), f.run, f.manager, nil).
		Run(context.Background())
	require.NoError(t, err)
	require.True(t, mapRes.Complete)

	outputs, err := f.run.ReadMap()
	require.NoError(t, err)
	sizes := make([]int, len(outputs))
	for i, out := range outputs {
		sizes[i] = out.RecordCount
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	res, err := f.stage(t).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, res.Calls)
	assert.Equal(t, 4, f.backend.Calls())

	// the merge call sees the three map results as one JSON array
	reqs := f.backend.Requests()
	var merged []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(reqs[3].Data), &merged))
	assert.Len(t, merged, 3)
	assert.Contains(t, reqs[3].System, "merge")

	final, err := f.run.ReadFinal()
	require.NoError(t, err)
	assert.Equal(t, res.Final, final)
	var topics []map[string]any
	require.NoError(t, json.Unmarshal([]byte(final), &topics))
	assert.Len(t, topics, 5)
	assert.Contains(t, final, "\n  ")

	st := f.manager.State()
	assert.Equal(t, domain.PhaseDone, st.Phase)
	assert.Equal(t, 1, st.ReduceRound)
	assert.Equal(t, 1, st.ItemsRemaining)
	assert.Equal(t, 4, st.Requests)

	reduced, err := f.run.ReadReduce()
	require.NoError(t, err)
	require.Len(t, reduced, 1)
	assert.Equal(t, 3, reduced[checkpoint.ReduceKey{Round: 1, Chunk: 0}].ChunkSize)
}

func TestStage_NoItems(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.seed(t, 0)

	res, err := f.stage(t).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 0, f.backend.Calls())

	final, err := f.run.ReadFinal()
	require.NoError(t, err)
	assert.Equal(t, "", final)
	assert.Equal(t, domain.PhaseDone, f.manager.State().Phase)
}

func TestStage_SingleItemSkipsMerge(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.seed(t, 1)

	res, err := f.stage(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 0, f.backend.Calls())
	assert.Equal(t, "{\n  \"batch\": 0\n}", res.Final)
}

func TestStage_RoundCount(t *testing.T) {
	// 17 items with factor 4: 17 -> 5 -> 2 -> 1
	f := newFixture(t, testConfig(), func(_ int, _ provider.Request) (string, error) {
		return `{"merged":true}`, nil
	})
	f.seed(t, 17)

	res, err := f.stage(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 5+2+1, f.backend.Calls())
	assert.Equal(t, "{\n  \"merged\": true\n}", res.Final)
}

func TestStage_UnparsedItems(t *testing.T) {
	f := newFixture(t, testConfig(), func(_ int, _ provider.Request) (string, error) {
		return "plain prose summary", nil
	})
	require.NoError(t, f.run.AppendMap(&domain.MapOutputRecord{BatchIndex: 0, Raw: "not json", ParseError: "no JSON value found"}))
	require.NoError(t, f.run.AppendMap(&domain.MapOutputRecord{BatchIndex: 1, Result: json.RawMessage(`[1,2]`)}))
	require.NoError(t, f.manager.SetPhase(context.Background(), domain.PhaseReduce, "seeded"))

	res, err := f.stage(t).Run(context.Background())
	require.NoError(t, err)

	// the failed batch reaches the merge as a raw/parse_error object
	var merged []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(f.backend.Requests()[0].Data), &merged))
	require.Len(t, merged, 2)
	var failed map[string]any
	require.NoError(t, json.Unmarshal(merged[0], &failed))
	assert.Equal(t, "not json", failed["raw"])
	assert.Equal(t, "no JSON value found", failed["parse_error"])
	assert.JSONEq(t, `[1,2]`, string(merged[1]))

	// an unparsed final string is written verbatim
	assert.Equal(t, "plain prose summary", res.Final)

	reduced, err := f.run.ReadReduce()
	require.NoError(t, err)
	rec := reduced[checkpoint.ReduceKey{Round: 1, Chunk: 0}]
	assert.Equal(t, "plain prose summary", rec.Raw)
	assert.NotEmpty(t, rec.ParseError)
}

func TestStage_ResumeReplaysJournal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 2
	f := newFixture(t, cfg, func(call int, _ provider.Request) (string, error) {
		return fmt.Sprintf(`{"call":%d}`, call), nil
	})
	f.seed(t, 10)

	// 10 items -> chunks [4,4,2]; the cap stops after two chunks
	res, err := f.stage(t).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.BudgetStopped)
	assert.Equal(t, 2, f.backend.Calls())

	st := f.manager.State()
	assert.Equal(t, domain.PhaseReduce, st.Phase)
	assert.Equal(t, 1, st.ReduceRound)
	assert.Equal(t, 4, st.ItemsRemaining)

	manager := cursor.NewManager(f.run, 0)
	_, err = manager.Load(context.Background())
	require.NoError(t, err)
	f.manager = manager

	res, err = f.stage(t).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, res.Replayed)
	// one remaining chunk in round 1, one merge in round 2
	assert.Equal(t, 4, f.backend.Calls())

	// round 2 merged the two replayed results and the fresh one
	var merged []map[string]int
	require.NoError(t, json.Unmarshal([]byte(f.backend.Requests()[3].Data), &merged))
	assert.Equal(t, []map[string]int{{"call": 0}, {"call": 1}, {"call": 2}}, merged)
	assert.Equal(t, "{\n  \"call\": 3\n}", res.Final)
}

func TestStage_FatalErrorIsJournaled(t *testing.T) {
	f := newFixture(t, testConfig(), func(_ int, _ provider.Request) (string, error) {
		return "", errors.New("Error 400: INVALID_ARGUMENT request too large")
	})
	f.seed(t, 3)

	_, err := f.stage(t).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, routing.KindInvalidRequest, routing.KindOf(err))

	errs, err := f.run.ReadErrors()
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.PhaseReduce, errs[0].Phase)
	assert.Equal(t, 1, errs[0].Round)
	assert.Equal(t, 0, errs[0].Index)

	st := f.manager.State()
	assert.Equal(t, domain.PhaseReduce, st.Phase)
	assert.Equal(t, 1, st.Errors)
}

func TestStage_RequiresReducePhase(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	_, err := f.stage(t).Run(context.Background())
	assert.ErrorIs(t, err, cursor.ErrWrongPhase)
}

package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianvc/dealflow/internal/llm"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/research"
	"github.com/meridianvc/dealflow/internal/store"
)

func batchPayload(runID string) queue.ResearchBatchPayload {
	return queue.ResearchBatchPayload{
		RunID: runID, DealID: "deal-1", Company: "Acme", Founder: "Jane Doe",
	}
}

func openRun(t *testing.T, fs *fakeStore) string {
	t.Helper()
	runID, err := fs.OpenRun(context.Background(), "t1", "deal-1", store.StageInDiligence, "")
	require.NoError(t, err)
	return runID
}

// agentKeyFromPrompt recovers which agent a completion request belongs to.
func agentKeyFromPrompt(prompt string) string {
	for _, a := range research.Agents {
		if strings.Contains(prompt, a.Focus[:40]) {
			return a.Key
		}
	}
	return ""
}

func TestResearchBatchWritesAgentsInFixedOrder(t *testing.T) {
	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")
	runID := openRun(t, env.store)

	// Later agents answer first; output order must not follow completion
	// order.
	var calls atomic.Int32
	env.llm.fn = func(ctx context.Context, req llm.Request) (llm.Response, error) {
		n := calls.Add(1)
		time.Sleep(time.Duration(6-n) * 10 * time.Millisecond)
		key := agentKeyFromPrompt(req.Prompt)
		return llm.Response{Text: "Findings for " + key + "\nSOURCES:\n- https://example.com/" + key}, nil
	}

	err := env.svc.handleResearchBatch(context.Background(),
		mustEnvelope(t, queue.JobResearchBatch, batchPayload(runID)))
	require.NoError(t, err)

	blocks := env.docs.appended["research-deal-1"]
	require.NotEmpty(t, blocks)
	var headings []string
	for _, b := range blocks {
		if b.Type == "heading_2" {
			headings = append(headings, b.Text())
		}
	}
	want := make([]string, len(research.Agents))
	for i, a := range research.Agents {
		want[i] = a.Title
	}
	require.Equal(t, want, headings)
	require.Equal(t, store.RunSucceeded, env.store.runs[runID].Status)
}

func TestResearchBatchFailedAgentSkippedPeersSurvive(t *testing.T) {
	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")
	runID := openRun(t, env.store)

	env.llm.fn = func(ctx context.Context, req llm.Request) (llm.Response, error) {
		if agentKeyFromPrompt(req.Prompt) == "competitors" {
			return llm.Response{}, errors.New("model overloaded")
		}
		return llm.Response{Text: "fine"}, nil
	}

	err := env.svc.handleResearchBatch(context.Background(),
		mustEnvelope(t, queue.JobResearchBatch, batchPayload(runID)))
	require.NoError(t, err)

	var headings []string
	for _, b := range env.docs.appended["research-deal-1"] {
		if b.Type == "heading_2" {
			headings = append(headings, b.Text())
		}
	}
	require.Len(t, headings, len(research.Agents)-1)
	require.NotContains(t, headings, "Competitive Landscape")
	require.Equal(t, store.RunSucceeded, env.store.runs[runID].Status)
	require.Equal(t, "1", env.store.runs[runID].Meta["agents_failed"])
}

func TestResearchBatchAllAgentsFailedClosesRunFailed(t *testing.T) {
	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")
	runID := openRun(t, env.store)

	env.llm.fn = func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, errors.New("model overloaded")
	}

	err := env.svc.handleResearchBatch(context.Background(),
		mustEnvelope(t, queue.JobResearchBatch, batchPayload(runID)))
	require.NoError(t, err)
	require.Empty(t, env.docs.appended["research-deal-1"])
	require.Equal(t, store.RunFailed, env.store.runs[runID].Status)
}

func TestResearchBatchCanceledBeforeStartProducesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")
	runID := openRun(t, env.store)
	env.store.runs[runID].CancelRequested = true

	var called atomic.Bool
	env.llm.fn = func(context.Context, llm.Request) (llm.Response, error) {
		called.Store(true)
		return llm.Response{Text: "should not run"}, nil
	}

	err := env.svc.handleResearchBatch(context.Background(),
		mustEnvelope(t, queue.JobResearchBatch, batchPayload(runID)))
	require.NoError(t, err)
	require.False(t, called.Load(), "model called after cancel")
	require.Empty(t, env.docs.appended["research-deal-1"])
	require.Equal(t, store.RunCanceled, env.store.runs[runID].Status)
}

func TestResearchBatchObservesMidFlightCancel(t *testing.T) {
	old := cancelPollInterval
	cancelPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { cancelPollInterval = old })

	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")
	runID := openRun(t, env.store)

	started := make(chan struct{}, len(research.Agents))
	env.llm.fn = func(ctx context.Context, _ llm.Request) (llm.Response, error) {
		started <- struct{}{}
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}

	go func() {
		<-started
		env.store.RequestCancelRunning(context.Background(), "deal-1")
	}()

	done := make(chan error, 1)
	go func() {
		done <- env.svc.handleResearchBatch(context.Background(),
			mustEnvelope(t, queue.JobResearchBatch, batchPayload(runID)))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not observe cancellation")
	}
	require.Empty(t, env.docs.appended["research-deal-1"])
	require.Equal(t, store.RunCanceled, env.store.runs[runID].Status)
}

func TestResearchBatchUnknownRunTreatedAsCanceled(t *testing.T) {
	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")

	err := env.svc.handleResearchBatch(context.Background(),
		mustEnvelope(t, queue.JobResearchBatch, batchPayload("ghost-run")))
	require.NoError(t, err)
	require.Empty(t, env.docs.appended["research-deal-1"])
}

func TestResearchAgentRerunAppendsSection(t *testing.T) {
	env := newTestEnv(t)
	env.store.addDeal("deal-1", "task1", "Acme")
	runID := openRun(t, env.store)

	env.llm.fn = func(_ context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: "Rerun findings.\nSOURCES:\n- https://example.com/x"}, nil
	}

	err := env.svc.handleResearchAgent(context.Background(),
		mustEnvelope(t, queue.JobResearchAgent, queue.ResearchAgentPayload{
			RunID: runID, DealID: "deal-1", AgentKey: "risks_redflags", Company: "Acme",
		}))
	require.NoError(t, err)

	blocks := env.docs.appended["research-deal-1"]
	require.NotEmpty(t, blocks)
	require.Equal(t, "Risks & Red Flags", blocks[0].Text())
}

func TestResearchAgentUnknownKeySkipped(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.handleResearchAgent(context.Background(),
		mustEnvelope(t, queue.JobResearchAgent, queue.ResearchAgentPayload{
			RunID: "r1", DealID: "deal-1", AgentKey: "astrology", Company: "Acme",
		}))
	require.True(t, isSkip(err))
}

func TestWatchCancellationStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	runID := openRun(t, env.store)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := env.svc.watchCancellation(context.Background(), runID, cancel)
	stop()
	require.NotPanics(t, stop)
}

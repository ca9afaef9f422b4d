package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/llm"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/research"
	"github.com/meridianvc/dealflow/internal/store"
)

// cancelPollInterval is how often batch handlers check cancel_requested.
var cancelPollInterval = 5 * time.Second

// closeRun records the run's terminal state. The write-once guard in the
// store makes a lost race with another closer harmless; recording failures
// are logged rather than returned because the job itself already finished.
func (s *Service) closeRun(ctx context.Context, runID, status string, meta store.JSONMap) {
	if _, err := s.store.CloseRun(ctx, runID, status, meta); err != nil {
		log.Errorf(ctx, err, "close run %s as %s", runID, status)
	}
}

// watchCancellation polls the run's cancel flag and fires cancel when it
// flips. The returned stop function must be called on every handler exit
// path; it is safe to call after cancellation fired.
func (s *Service) watchCancellation(ctx context.Context, runID string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := s.store.CancelRequested(ctx, runID)
				if err != nil {
					log.Errorf(ctx, err, "cancellation poll: run %s", runID)
					continue
				}
				if requested {
					log.Info(ctx, log.KV{K: "msg", V: "cancellation observed"},
						log.KV{K: "run_id", V: runID})
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// handleResearchBatch fans the fixed agent set out against the model
// provider. All agents share one cancellation handle driven by the run's
// cancel flag; each agent's outcome is independent of its peers. Output is
// written in the fixed agent order regardless of completion order. The run
// stays in the running state across queue delivery so cancellation requests
// issued after the stage action remain observable; this handler performs
// the terminal transition (succeeded, failed or canceled).
func (s *Service) handleResearchBatch(ctx context.Context, env queue.Envelope) error {
	var p queue.ResearchBatchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.RunID == "" || p.DealID == "" || p.Company == "" {
		return skip("research batch: missing run, deal or company")
	}
	ctx = log.With(ctx, log.KV{K: "run_id", V: p.RunID}, log.KV{K: "deal_id", V: p.DealID})

	if canceled, err := s.store.CancelRequested(ctx, p.RunID); err != nil {
		return err
	} else if canceled {
		log.Info(ctx, log.KV{K: "msg", V: "research batch canceled before start"})
		s.closeRun(ctx, p.RunID, store.RunCanceled, nil)
		return nil
	}

	pageID, err := s.researchPageID(ctx, p.DealID)
	if err != nil {
		// A skip means the queue drops the job; the run would otherwise
		// stay running forever.
		if isSkip(err) {
			s.closeRun(ctx, p.RunID, store.RunFailed, store.JSONMap{"error": err.Error()})
		}
		return err
	}

	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := s.watchCancellation(ctx, p.RunID, cancel)
	defer stop()

	results := make([]research.Result, len(research.Agents))
	var g errgroup.Group
	for i, agent := range research.Agents {
		g.Go(func() error {
			results[i] = s.runAgent(llmCtx, agent, p.Company, p.Founder, p.Context)
			return nil
		})
	}
	g.Wait()
	stop()

	if canceled, err := s.store.CancelRequested(ctx, p.RunID); err != nil {
		return err
	} else if canceled {
		log.Info(ctx, log.KV{K: "msg", V: "research batch canceled"})
		s.closeRun(ctx, p.RunID, store.RunCanceled, nil)
		return nil
	}

	var blocks []docs.Block
	var failed int
	for _, res := range results {
		if !res.OK {
			failed++
			log.Warn(ctx, log.KV{K: "msg", V: "research agent failed"},
				log.KV{K: "agent", V: res.AgentKey},
				log.KV{K: "err", V: res.Err.Error()})
			continue
		}
		blocks = append(blocks, s.agentBlocks(res)...)
	}
	if len(blocks) == 0 {
		log.Info(ctx, log.KV{K: "msg", V: "research batch produced no output"})
		s.closeRun(ctx, p.RunID, store.RunFailed, store.JSONMap{"error": "all research agents failed"})
		return nil
	}
	if err := s.docs.AppendBlocks(ctx, pageID, blocks); err != nil {
		return fmt.Errorf("write research page: %w", err)
	}
	meta := store.JSONMap{}
	if failed > 0 {
		meta["agents_failed"] = fmt.Sprintf("%d", failed)
	}
	s.closeRun(ctx, p.RunID, store.RunSucceeded, meta)
	return nil
}

// handleResearchAgent re-runs a single named agent and appends its section.
func (s *Service) handleResearchAgent(ctx context.Context, env queue.Envelope) error {
	var p queue.ResearchAgentPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	agent, ok := research.AgentByKey(p.AgentKey)
	if !ok {
		return skip("unknown research agent %q", p.AgentKey)
	}
	if p.RunID == "" || p.DealID == "" || p.Company == "" {
		return skip("research agent: missing run, deal or company")
	}
	ctx = log.With(ctx, log.KV{K: "run_id", V: p.RunID}, log.KV{K: "agent", V: p.AgentKey})

	if canceled, err := s.store.CancelRequested(ctx, p.RunID); err != nil {
		return err
	} else if canceled {
		log.Info(ctx, log.KV{K: "msg", V: "research agent canceled before start"})
		s.closeRun(ctx, p.RunID, store.RunCanceled, nil)
		return nil
	}
	pageID, err := s.researchPageID(ctx, p.DealID)
	if err != nil {
		return err
	}

	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := s.watchCancellation(ctx, p.RunID, cancel)
	defer stop()

	res := s.runAgent(llmCtx, agent, p.Company, p.Founder, p.Context)
	stop()
	if !res.OK {
		if errors.Is(res.Err, context.Canceled) {
			log.Info(ctx, log.KV{K: "msg", V: "research agent canceled"})
			s.closeRun(ctx, p.RunID, store.RunCanceled, nil)
			return nil
		}
		return fmt.Errorf("agent %s: %w", agent.Key, res.Err)
	}
	if err := s.docs.AppendBlocks(ctx, pageID, s.agentBlocks(res)); err != nil {
		return fmt.Errorf("write research page: %w", err)
	}
	return nil
}

// runAgent executes one agent against the model provider. A context already
// canceled when the agent is scheduled fails fast without a network call.
func (s *Service) runAgent(ctx context.Context, agent research.Agent, company, founder, notes string) research.Result {
	if err := ctx.Err(); err != nil {
		return research.Result{AgentKey: agent.Key, Err: err}
	}
	resp, err := s.llm.Complete(ctx, llm.Request{
		System: research.SystemPrompt(),
		Prompt: agent.Prompt(company, founder, notes),
	})
	if err != nil {
		return research.Result{AgentKey: agent.Key, Err: err}
	}
	summary, citations := research.ParseResponse(resp.Text)
	return research.Result{
		AgentKey:  agent.Key,
		OK:        true,
		Summary:   summary,
		Citations: citations,
	}
}

// agentBlocks renders one successful agent result as a research page
// section: heading, body, optional sources, divider.
func (s *Service) agentBlocks(res research.Result) []docs.Block {
	agent, _ := research.AgentByKey(res.AgentKey)
	blocks := []docs.Block{docs.Heading2(agent.Title)}
	blocks = append(blocks, s.renderer.Render(res.Summary)...)
	if len(res.Citations) > 0 {
		blocks = append(blocks, docs.Heading3("Sources"))
		for _, c := range res.Citations {
			blocks = append(blocks, docs.Bullet(c))
		}
	}
	return append(blocks, docs.Divider())
}

// researchPageID resolves the deal's research page.
func (s *Service) researchPageID(ctx context.Context, dealID string) (string, error) {
	deal, err := s.store.DealByID(ctx, dealID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", skip("unknown deal %s", dealID)
		}
		return "", err
	}
	pageID := deal.DocURLs["page_id:"+docs.PageResearch]
	if pageID == "" {
		return "", skip("deal %s has no research page", dealID)
	}
	return pageID, nil
}

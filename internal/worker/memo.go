package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/llm"
	"github.com/meridianvc/dealflow/internal/queue"
	"github.com/meridianvc/dealflow/internal/research"
	"github.com/meridianvc/dealflow/internal/store"
)

const memoReviewWarning = "Draft generated from automated research. Review " +
	"every claim before circulating to the committee."

// handleMemoGenerate synthesizes the investment memo in a single model call
// under the same cancellation contract as the research batch: the run is
// still running when the job arrives and this handler closes it.
func (s *Service) handleMemoGenerate(ctx context.Context, env queue.Envelope) error {
	var p queue.MemoGeneratePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.RunID == "" || p.DealID == "" || p.Company == "" {
		return skip("memo generate: missing run, deal or company")
	}
	ctx = log.With(ctx, log.KV{K: "run_id", V: p.RunID}, log.KV{K: "deal_id", V: p.DealID})

	if canceled, err := s.store.CancelRequested(ctx, p.RunID); err != nil {
		return err
	} else if canceled {
		log.Info(ctx, log.KV{K: "msg", V: "memo canceled before start"})
		s.closeRun(ctx, p.RunID, store.RunCanceled, nil)
		return nil
	}

	deal, err := s.store.DealByID(ctx, p.DealID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = skip("unknown deal %s", p.DealID)
			s.closeRun(ctx, p.RunID, store.RunFailed, store.JSONMap{"error": err.Error()})
			return err
		}
		return err
	}
	pageID := deal.DocURLs["page_id:"+docs.PageMemo]
	if pageID == "" {
		err := skip("deal %s has no memo page", p.DealID)
		s.closeRun(ctx, p.RunID, store.RunFailed, store.JSONMap{"error": err.Error()})
		return err
	}

	// The research page content joins the meeting context so the memo is
	// grounded in what the agents found.
	memoContext := p.Context
	if researchID := deal.DocURLs["page_id:"+docs.PageResearch]; researchID != "" {
		if text, err := docs.PageText(ctx, s.docs, researchID); err != nil {
			log.Errorf(ctx, err, "memo: read research page")
		} else if text != "" {
			if memoContext != "" {
				memoContext += "\n\n"
			}
			memoContext += text
		}
	}

	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := s.watchCancellation(ctx, p.RunID, cancel)
	defer stop()

	resp, err := s.llm.Complete(llmCtx, llm.Request{
		System: research.MemoSystemPrompt,
		Prompt: research.MemoPrompt(p.Company, p.Founder, memoContext),
	})
	stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info(ctx, log.KV{K: "msg", V: "memo canceled in flight"})
			s.closeRun(ctx, p.RunID, store.RunCanceled, nil)
			return nil
		}
		return fmt.Errorf("memo completion: %w", err)
	}

	blocks := []docs.Block{
		docs.Callout(fmt.Sprintf("Investment memo generated on %s.",
			time.Now().UTC().Format("2006-01-02"))),
	}
	blocks = append(blocks, s.renderer.Render(resp.Text)...)
	blocks = append(blocks, docs.Divider(), docs.Quote(memoReviewWarning))
	if err := s.docs.AppendBlocks(ctx, pageID, blocks); err != nil {
		return fmt.Errorf("write memo page: %w", err)
	}
	s.closeRun(ctx, p.RunID, store.RunSucceeded, nil)
	return nil
}

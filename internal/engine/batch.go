package engine

import (
	"context"
	"sync"

	"github.com/atlas-desktop/risk-engine/internal/workers"
	"github.com/atlas-desktop/risk-engine/pkg/types"
	"go.uber.org/zap"
)

// EvaluateBatch runs the gate over several requests in parallel on pool and
// returns approvals in request order. Requests the pool cannot accept are
// evaluated on the caller's goroutine. Approvals are independent: two
// requests in one batch do not see each other's exposure.
func (e *Engine) EvaluateBatch(ctx context.Context, pool *workers.Pool, reqs []types.TradeRequest) []TradeApproval {
	approvals := make([]TradeApproval, len(reqs))
	if pool == nil {
		for i, req := range reqs {
			approvals[i] = e.Evaluate(ctx, req)
		}
		return approvals
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		err := pool.SubmitFunc(func(taskCtx context.Context) error {
			defer wg.Done()
			evalCtx := ctx
			if taskCtx.Err() != nil {
				evalCtx = taskCtx
			}
			approvals[i] = e.Evaluate(evalCtx, req)
			return nil
		})
		if err != nil {
			wg.Done()
			e.logger.Debug("Pool rejected evaluation, running inline",
				zap.String("symbol", req.Symbol),
				zap.Error(err))
			approvals[i] = e.Evaluate(ctx, req)
		}
	}
	wg.Wait()

	return approvals
}

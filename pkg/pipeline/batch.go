package pipeline

import (
	"context"
)

// Batch answers requests concurrently on the worker pool. Outcomes are
// returned in request order.
func (p *Pipeline) Batch(ctx context.Context, reqs []Request) ([]Outcome, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	group := p.pool.NewGroupContext(ctx)
	for _, req := range reqs {
		group.SubmitErr(func() (Outcome, error) {
			return p.Ask(ctx, req), nil
		})
	}
	outcomes, err := group.Wait()
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/fpcache"
	"github.com/malbeclabs/querygate/pkg/generator"
	"github.com/malbeclabs/querygate/pkg/metrics"
	"github.com/malbeclabs/querygate/pkg/retriever"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
	"github.com/malbeclabs/querygate/pkg/validator"
)

var (
	errNoStatement     = errors.New("response has no statement")
	errNoGeneralAnswer = errors.New("response has no general answer")
)

// run tracks one request through the state machine.
type run struct {
	p          *Pipeline
	out        *Outcome
	state      State
	started    time.Time
	stageStart time.Time
}

func (p *Pipeline) newRun(sessionID string, seq uint64) *run {
	now := p.cfg.Clock.Now()
	r := &run{
		p:          p,
		out:        &Outcome{SessionID: sessionID, Seq: seq, CacheHit: fpcache.HitNone},
		started:    now,
		stageStart: now,
	}
	r.enter(StateStart)
	return r
}

func (r *run) enter(s State) {
	r.observe()
	r.state = s
	r.stageStart = r.p.cfg.Clock.Now()
	r.out.Trace = append(r.out.Trace, s)
}

func (r *run) observe() {
	switch r.state {
	case "", StateStart, StateDone, StateFailed:
		return
	}
	metrics.StageDuration.WithLabelValues(string(r.state)).Observe(r.p.cfg.Clock.Since(r.stageStart).Seconds())
}

// fail ends the run in the failed state. err must carry a *qerrors.E.
func (r *run) fail(err error) Outcome {
	stage := r.state
	r.enter(StateFailed)

	f := &Failure{Stage: stage, Kind: qerrors.KindOf(err), Reason: qerrors.MessageOf(err)}
	var rejected *validator.RejectedError
	if errors.As(err, &rejected) {
		f.Rule = rejected.Rule
	}
	r.out.Failure = f

	metrics.RequestsTotal.WithLabelValues(string(f.Kind)).Inc()
	r.p.log.Info("pipeline: request failed", "session", r.out.SessionID, "seq", r.out.Seq, "stage", stage, "kind", f.Kind, "error", err)
	return *r.out
}

func (r *run) done() Outcome {
	r.enter(StateDone)
	metrics.RequestsTotal.WithLabelValues("ok").Inc()
	r.p.log.Debug("pipeline: request completed", "session", r.out.SessionID, "seq", r.out.Seq, "strategy", r.out.Strategy, "cache_hit", r.out.CacheHit, "duration", r.p.cfg.Clock.Since(r.started))
	return *r.out
}

func retrieveError(err error) error {
	switch {
	case errors.Is(err, retriever.ErrEmptyRequest):
		return qerrors.Wrap(qerrors.InvalidRequest, "question is empty", err)
	case errors.Is(err, schemaindex.ErrIndexUnavailable):
		return qerrors.Wrap(qerrors.IndexUnavailable, "schema index is not loaded", err)
	default:
		return qerrors.Wrap(qerrors.IndexUnavailable, "schema retrieval failed", err)
	}
}

func generateError(err error) error {
	switch {
	case errors.Is(err, generator.ErrEmptyQuestion):
		return qerrors.Wrap(qerrors.InvalidRequest, "question is empty", err)
	case errors.Is(err, context.Canceled):
		return qerrors.Wrap(qerrors.GenerationFailed, "request was cancelled", err)
	default:
		return qerrors.Wrap(qerrors.GenerationFailed, "could not generate a statement for this request", err)
	}
}

func rejectedError(v validator.Verdict) error {
	return qerrors.Wrap(qerrors.ValidationRejected, fmt.Sprintf("%s: %s", v.Rule, v.Reason), v.Err())
}

func executeError(err error, timeout time.Duration) error {
	var dbErr *executor.DatabaseError
	switch {
	case errors.Is(err, executor.ErrPoolExhausted):
		return qerrors.Wrap(qerrors.PoolExhausted, "no database connection available, try again", err)
	case errors.Is(err, executor.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return qerrors.Wrap(qerrors.ExecutionTimeout, fmt.Sprintf("statement exceeded the %s execution timeout", timeout), err)
	case errors.As(err, &dbErr):
		return qerrors.Wrap(qerrors.DatabaseError, dbErr.UserMessage(), err)
	case errors.Is(err, context.Canceled):
		return qerrors.Wrap(qerrors.Internal, "request was cancelled", err)
	default:
		return qerrors.Wrap(qerrors.Internal, "statement could not be executed", err)
	}
}

// retryableExecution reports whether a second attempt on a fresh connection
// may succeed.
func retryableExecution(err error) bool {
	var dbErr *executor.DatabaseError
	return errors.Is(err, executor.ErrPoolExhausted) ||
		errors.Is(err, executor.ErrExecutionTimeout) ||
		errors.As(err, &dbErr)
}

package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/fpcache"
	"github.com/malbeclabs/querygate/pkg/generator"
	"github.com/malbeclabs/querygate/pkg/metrics"
	"github.com/malbeclabs/querygate/pkg/planner"
	"github.com/malbeclabs/querygate/pkg/retriever"
	"github.com/malbeclabs/querygate/pkg/session"
	"github.com/malbeclabs/querygate/pkg/validator"
)

// Ask answers a natural-language request. Failures are reported in the
// outcome, never as a panic or a bare error.
//
// A full cache hit goes straight from CacheLookup to Assemble. A schema hit
// skips Retrieve.
func (p *Pipeline) Ask(ctx context.Context, req Request) Outcome {
	seq := p.nextSeq(req)
	r := p.newRun(req.SessionID, seq)

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return r.fail(qerrors.New(qerrors.InvalidRequest, "question is empty"))
	}

	r.enter(StateCacheLookup)
	version := p.cfg.Index.Version()
	fp := fpcache.Compute(question, version)
	r.out.Fingerprint = fp.String()

	var (
		rel   retriever.Result
		found bool
	)
	if version != "" {
		entry, ok := p.lookup(fp, version)
		switch {
		case ok && entry.HitType == fpcache.HitFull:
			r.out.CacheHit = fpcache.HitFull
			r.out.Strategy = entry.Strategy
			r.out.MixedIntent = entry.MixedIntent
			r.out.GeneralAnswer = entry.GeneralAnswer
			r.out.Statement = entry.Statement
			r.out.StatementModified = entry.StatementModified
			r.out.Result = entry.Result
			p.log.Debug("pipeline: cache hit", "fingerprint", r.out.Fingerprint, "hit", fpcache.HitFull)
			return p.assemble(r, question)
		case ok:
			r.out.CacheHit = fpcache.HitSchema
			rel = entry.Relevance
			found = true
			p.log.Debug("pipeline: cache hit", "fingerprint", r.out.Fingerprint, "hit", fpcache.HitSchema)
		}
	}

	if !found {
		r.enter(StateRetrieve)
		var err error
		rel, err = p.cfg.Retriever.Find(ctx, question, p.cfg.TopK, true)
		if err != nil {
			return r.fail(retrieveError(err))
		}
		if rel.Version == version {
			p.put(fp, fpcache.Record{SchemaVersion: version, HitType: fpcache.HitSchema, Relevance: rel})
		}
	}

	r.enter(StatePlan)
	decision, err := p.cfg.Planner.Plan(question, rel)
	if err != nil {
		metrics.StageFallbacksTotal.WithLabelValues(string(StatePlan)).Inc()
		p.log.Info("pipeline: planning degraded", "error", err)
		decision = p.cfg.Planner.Conservative(question, rel)
		r.out.PlanDegraded = true
	}
	r.out.Strategy = decision.Strategy
	r.out.MixedIntent = decision.IsMixedIntent

	r.enter(StateGenerate)
	resp, permitted, err := p.generate(ctx, question, req.SessionID, decision, rel)
	if err != nil {
		return r.fail(generateError(err))
	}
	r.out.GeneralAnswer = resp.GeneralAnswer
	if resp.MixedIntent && resp.SQL != "" && resp.GeneralAnswer != "" {
		r.out.MixedIntent = true
	}

	if resp.SQL == "" {
		// A general question answered without data.
		return p.assemble(r, question)
	}

	r.enter(StateValidate)
	verdict := p.cfg.Validator.Validate(ctx, validator.Candidate{
		Statement:   resp.SQL,
		Provenance:  validator.ProvenanceGenerated,
		Permitted:   permitted,
		Fingerprint: r.out.Fingerprint,
	})
	if !verdict.Approved {
		return r.fail(rejectedError(verdict))
	}
	r.out.Statement = verdict.Statement
	r.out.StatementModified = verdict.Modified

	r.enter(StateExecute)
	res, err := p.execute(ctx, verdict.Statement)
	if err != nil {
		return r.fail(executeError(err, p.cfg.ExecTimeout))
	}
	r.out.Result = res

	if rel.Version == version && version != "" {
		p.put(fp, fpcache.Record{
			SchemaVersion:     version,
			HitType:           fpcache.HitFull,
			Relevance:         rel,
			Strategy:          r.out.Strategy,
			MixedIntent:       r.out.MixedIntent,
			Statement:         verdict.Statement,
			StatementModified: verdict.Modified,
			GeneralAnswer:     resp.GeneralAnswer,
			Result:            res,
		})
	}
	return p.assemble(r, question)
}

// assemble checks that every requested part is present and records the turn.
func (p *Pipeline) assemble(r *run, question string) Outcome {
	r.enter(StateAssemble)
	if r.out.MixedIntent && (r.out.GeneralAnswer == "" || r.out.Result == nil) {
		return r.fail(qerrors.New(qerrors.GenerationFailed, "the request asked for an explanation and for data but only one was produced"))
	}
	if p.cfg.Sessions != nil {
		p.cfg.Sessions.Append(r.out.SessionID, session.Turn{
			Seq:           r.out.Seq,
			Question:      question,
			SQL:           r.out.Statement,
			GeneralAnswer: r.out.GeneralAnswer,
		})
	}
	return r.done()
}

// lookup returns a usable cache entry. An inconsistent entry is a miss.
func (p *Pipeline) lookup(fp fpcache.Fingerprint, version string) (fpcache.Entry, bool) {
	entry, ok := p.cfg.Cache.Lookup(fp)
	if !ok {
		return fpcache.Entry{}, false
	}
	if entry.SchemaVersion != version {
		metrics.StageFallbacksTotal.WithLabelValues(string(StateCacheLookup)).Inc()
		return fpcache.Entry{}, false
	}
	if entry.HitType == fpcache.HitFull && (entry.Statement == "" || entry.Result == nil) {
		metrics.StageFallbacksTotal.WithLabelValues(string(StateCacheLookup)).Inc()
		entry.HitType = fpcache.HitSchema
	}
	if entry.HitType == fpcache.HitSchema && len(entry.Relevance.Matches) == 0 {
		return fpcache.Entry{}, false
	}
	return entry, true
}

func (p *Pipeline) put(fp fpcache.Fingerprint, rec fpcache.Record) {
	if err := p.cfg.Cache.Put(fp, rec); err != nil {
		p.log.Warn("pipeline: cache write failed", "hit", rec.HitType, "error", err)
	}
}

// generate asks the generator for a statement. A failed first attempt is
// retried once with half the schema context.
func (p *Pipeline) generate(ctx context.Context, question, sessionID string, d planner.Decision, rel retriever.Result) (generator.Response, *validator.Permitted, error) {
	var history []session.Turn
	if p.cfg.Sessions != nil && sessionID != "" {
		history = p.cfg.Sessions.History(sessionID)
	}

	budget := d.SchemaBudget
	if budget <= 0 || budget > len(rel.Matches) {
		budget = len(rel.Matches)
	}

	var (
		attempt   int
		permitted *validator.Permitted
	)
	op := func() (generator.Response, error) {
		attempt++
		scope := rel.Narrow(budget)
		if attempt > 1 {
			scope = rel.Narrow(max(1, budget/2))
		}
		permitted = validator.PermittedFromResult(scope)

		genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
		defer cancel()
		resp, err := p.cfg.Generator.Generate(genCtx, generator.Request{
			Question:            question,
			Entities:            p.entityContext(scope),
			History:             history,
			Strategy:            d.Strategy,
			MixedIntent:         d.IsMixedIntent,
			GeneralAnswerNeeded: d.GeneralAnswerNeeded,
			DataRequested:       d.DataRequested,
			Attempt:             attempt,
		})
		if err == nil {
			err = usable(d, resp)
		}
		if err != nil {
			if ctx.Err() != nil {
				return generator.Response{}, backoff.Permanent(ctx.Err())
			}
			return generator.Response{}, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.RetryInterval)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.StageFallbacksTotal.WithLabelValues(string(StateGenerate)).Inc()
			p.log.Info("pipeline: generation failed, retrying with narrowed schema", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return generator.Response{}, nil, err
	}
	return resp, permitted, nil
}

// usable checks that the response carries every part the plan asked for.
func usable(d planner.Decision, resp generator.Response) error {
	switch {
	case d.DataRequested && resp.SQL == "":
		return errNoStatement
	case d.IsMixedIntent && resp.GeneralAnswer == "":
		return errNoGeneralAnswer
	case resp.SQL == "" && resp.GeneralAnswer == "":
		return generator.ErrNoOutput
	}
	return nil
}

func (p *Pipeline) entityContext(rel retriever.Result) []generator.EntityContext {
	snap, _ := p.cfg.Index.Current()
	out := make([]generator.EntityContext, 0, len(rel.Matches))
	for _, m := range rel.Matches {
		ec := generator.EntityContext{Identifier: m.Identifier, Score: m.Score}
		if snap != nil {
			if e, ok := snap.Lookup(m.Identifier); ok {
				ec.Description = e.Description
			}
		}
		out = append(out, ec)
	}
	return out
}

// execute runs the approved statement. A timeout, an exhausted pool or an
// engine error is retried once on a fresh connection.
func (p *Pipeline) execute(ctx context.Context, statement string) (*executor.Result, error) {
	op := func() (*executor.Result, error) {
		res, err := p.cfg.Executor.Execute(ctx, statement, p.cfg.ExecTimeout, p.cfg.RowCap)
		if err != nil {
			if !retryableExecution(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.RetryInterval)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.StageFallbacksTotal.WithLabelValues(string(StateExecute)).Inc()
			p.log.Info("pipeline: execution failed, retrying", "error", err, "retry_in", next)
		}),
	)
}

// nextSeq returns the request's sequence number, or reserves the next one of
// the session.
func (p *Pipeline) nextSeq(req Request) uint64 {
	if req.Seq != 0 || p.cfg.Sessions == nil || req.SessionID == "" {
		return req.Seq
	}
	return p.cfg.Sessions.Reserve(req.SessionID)
}

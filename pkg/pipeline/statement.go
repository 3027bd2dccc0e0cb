package pipeline

import (
	"context"
	"strings"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/fpcache"
	"github.com/malbeclabs/querygate/pkg/validator"
)

// ExecuteStatement validates and runs a caller-supplied statement. It may
// touch every user entity of the current index. Nothing is cached.
func (p *Pipeline) ExecuteStatement(ctx context.Context, sessionID, statement string) Outcome {
	r := p.newRun(sessionID, 0)

	if strings.TrimSpace(statement) == "" {
		return r.fail(qerrors.New(qerrors.InvalidRequest, "statement is empty"))
	}
	snap, err := p.cfg.Index.Current()
	if err != nil {
		return r.fail(qerrors.Wrap(qerrors.IndexUnavailable, "schema index is not loaded", err))
	}
	r.out.Fingerprint = fpcache.Compute(statement, snap.Version).String()

	r.enter(StateValidate)
	verdict := p.cfg.Validator.Validate(ctx, validator.Candidate{
		Statement:   statement,
		Provenance:  validator.ProvenanceSubmitted,
		Permitted:   validator.PermittedFromSnapshot(snap),
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

	r.enter(StateAssemble)
	return r.done()
}

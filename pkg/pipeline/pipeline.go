package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	qerrors "github.com/malbeclabs/querygate/pkg/errors"
	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/fpcache"
	"github.com/malbeclabs/querygate/pkg/generator"
	"github.com/malbeclabs/querygate/pkg/planner"
	"github.com/malbeclabs/querygate/pkg/retriever"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
	"github.com/malbeclabs/querygate/pkg/session"
	"github.com/malbeclabs/querygate/pkg/validator"
)

const (
	defaultTopK            = 8
	defaultExecTimeout     = 45 * time.Second
	defaultRowCap          = 1000
	defaultGenerateTimeout = 60 * time.Second
	defaultRetryInterval   = 250 * time.Millisecond
	defaultBatchWorkers    = 4
)

// State is a stage of the request state machine.
type State string

const (
	StateStart       State = "start"
	StateCacheLookup State = "cache_lookup"
	StateRetrieve    State = "retrieve"
	StatePlan        State = "plan"
	StateGenerate    State = "generate"
	StateValidate    State = "validate"
	StateExecute     State = "execute"
	StateAssemble    State = "assemble"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

type Request struct {
	SessionID string `json:"session_id"`
	// Seq orders requests within a session. Zero takes the next number.
	Seq      uint64 `json:"seq,omitempty"`
	Question string `json:"question"`
}

// Failure is a terminal error. Reason is safe to show to end users.
type Failure struct {
	Stage  State          `json:"stage"`
	Kind   qerrors.Kind   `json:"kind"`
	Rule   validator.Rule `json:"rule,omitempty"`
	Reason string         `json:"reason"`
}

// Outcome is the assembled response. The general answer, when present, comes
// before the data result.
type Outcome struct {
	SessionID         string           `json:"session_id"`
	Seq               uint64           `json:"seq"`
	Fingerprint       string           `json:"fingerprint,omitempty"`
	Strategy          planner.Strategy `json:"strategy,omitempty"`
	MixedIntent       bool             `json:"mixed_intent"`
	PlanDegraded      bool             `json:"plan_degraded,omitempty"`
	CacheHit          fpcache.HitType  `json:"cache_hit"`
	GeneralAnswer     string           `json:"general_answer,omitempty"`
	Statement         string           `json:"statement,omitempty"`
	StatementModified bool             `json:"statement_modified"`
	Result            *executor.Result `json:"result,omitempty"`
	Failure           *Failure         `json:"failure,omitempty"`
	Trace             []State          `json:"trace"`
}

func (o Outcome) Failed() bool { return o.Failure != nil }

// Err returns the failure as an error, or nil.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return qerrors.New(o.Failure.Kind, o.Failure.Reason)
}

type Retriever interface {
	Find(ctx context.Context, text string, topK int, excludeSystem bool) (retriever.Result, error)
}

type Planner interface {
	Plan(text string, relevance retriever.Result) (planner.Decision, error)
	Conservative(text string, relevance retriever.Result) planner.Decision
}

type Cache interface {
	Lookup(fp fpcache.Fingerprint) (fpcache.Entry, bool)
	Put(fp fpcache.Fingerprint, rec fpcache.Record) error
}

type Validator interface {
	Validate(ctx context.Context, c validator.Candidate) validator.Verdict
}

type Executor interface {
	Execute(ctx context.Context, statement string, timeout time.Duration, rowCap int) (*executor.Result, error)
}

var (
	_ Retriever = (*retriever.Retriever)(nil)
	_ Planner   = (*planner.Planner)(nil)
	_ Cache     = (*fpcache.Cache)(nil)
	_ Validator = (*validator.Validator)(nil)
	_ Executor  = (*executor.Executor)(nil)
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Index     *schemaindex.Holder
	Retriever Retriever
	Planner   Planner
	Cache     Cache
	Generator generator.Generator
	Validator Validator
	Executor  Executor
	// Sessions is optional. Without it requests carry no history.
	Sessions *session.Store

	TopK            int
	ExecTimeout     time.Duration
	RowCap          int
	GenerateTimeout time.Duration
	// RetryInterval is the pause before the single retry of Generate or Execute.
	RetryInterval time.Duration
	BatchWorkers  int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Index == nil {
		return errors.New("index is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Planner == nil {
		return errors.New("planner is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TopK == 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.RowCap == 0 {
		cfg.RowCap = defaultRowCap
	}
	if cfg.GenerateTimeout == 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.BatchWorkers == 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	if cfg.TopK < 0 {
		return errors.New("top k must be greater than 0")
	}
	if cfg.ExecTimeout < 0 || cfg.GenerateTimeout < 0 {
		return errors.New("timeouts must be greater than 0")
	}
	if cfg.RowCap < 0 {
		return errors.New("row cap must be greater than 0")
	}
	if cfg.RetryInterval < 0 {
		return errors.New("retry interval must not be negative")
	}
	if cfg.BatchWorkers < 0 {
		return errors.New("batch workers must be greater than 0")
	}
	return nil
}

// Pipeline drives requests through retrieval, planning, caching, generation,
// validation and execution. It holds no per-request state.
type Pipeline struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[Outcome]
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Pipeline{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[Outcome](cfg.BatchWorkers),
	}, nil
}

// Ready reports whether a schema index is loaded.
func (p *Pipeline) Ready() bool { return p.cfg.Index.Loaded() }

// Close waits for in-flight batch work and stops the worker pool.
func (p *Pipeline) Close() {
	p.pool.StopAndWait()
}

package planner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/malbeclabs/querygate/pkg/retriever"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
)

type Strategy string

const (
	// StrategyDirect is a single well-matched table.
	StrategyDirect Strategy = "direct"
	// StrategyComposite covers multiple tables or aggregation.
	StrategyComposite Strategy = "composite"
	// StrategyMixed combines a general question with a data request.
	StrategyMixed Strategy = "mixed"
)

var (
	ErrEmptyRequest = errors.New("request text is empty")
	ErrNoCandidates = errors.New("no relevant schema entities")
)

// Decision is advisory. It sizes the schema context handed to generation and
// never affects validation.
type Decision struct {
	Strategy            Strategy `json:"strategy"`
	IsMixedIntent       bool     `json:"is_mixed_intent"`
	GeneralAnswerNeeded bool     `json:"general_answer_needed"`
	DataRequested       bool     `json:"data_requested"`
	// SchemaBudget is the number of leading relevance matches to expose.
	SchemaBudget int `json:"schema_budget"`
}

type Config struct {
	// DirectMargin is the minimum top-1 minus top-2 score for a direct plan.
	DirectMargin float64
	// DirectMinScore is the minimum top-1 score for a direct plan.
	DirectMinScore float64
	// DirectSchemaBudget caps the schema context of a direct plan.
	DirectSchemaBudget int
}

func (cfg *Config) Validate() error {
	if cfg.DirectMargin == 0 {
		cfg.DirectMargin = 0.15
	}
	if cfg.DirectMinScore == 0 {
		cfg.DirectMinScore = 0.3
	}
	if cfg.DirectSchemaBudget == 0 {
		cfg.DirectSchemaBudget = 4
	}
	if cfg.DirectMargin < 0 || cfg.DirectMinScore < 0 {
		return errors.New("direct thresholds must not be negative")
	}
	if cfg.DirectSchemaBudget < 0 {
		return errors.New("direct schema budget must be greater than 0")
	}
	return nil
}

type Planner struct {
	cfg Config
}

func New(cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Planner{cfg: cfg}, nil
}

// Plan classifies the request. An error means no decision could be made and
// the caller should use Conservative instead.
func (p *Planner) Plan(text string, relevance retriever.Result) (Decision, error) {
	if strings.TrimSpace(text) == "" {
		return Decision{}, ErrEmptyRequest
	}
	in := DetectIntent(text)
	d := Decision{
		IsMixedIntent:       in.General && in.Data,
		GeneralAnswerNeeded: in.General,
		DataRequested:       in.Data,
		SchemaBudget:        len(relevance.Matches),
	}
	if !in.Data {
		// General-only questions keep the candidates for the generator.
		d.Strategy = StrategyComposite
		return d, nil
	}
	if len(relevance.Matches) == 0 {
		return Decision{}, ErrNoCandidates
	}

	switch {
	case d.IsMixedIntent:
		d.Strategy = StrategyMixed
	case !in.Aggregation && p.singleTable(relevance):
		d.Strategy = StrategyDirect
		d.SchemaBudget = min(d.SchemaBudget, p.cfg.DirectSchemaBudget)
	default:
		d.Strategy = StrategyComposite
	}
	return d, nil
}

// Conservative is the fallback decision when planning fails: composite, with
// the whole candidate set and the textual intent flags.
func (p *Planner) Conservative(text string, relevance retriever.Result) Decision {
	in := DetectIntent(text)
	return Decision{
		Strategy:            StrategyComposite,
		IsMixedIntent:       in.General && in.Data,
		GeneralAnswerNeeded: in.General,
		DataRequested:       in.Data || !in.General,
		SchemaBudget:        len(relevance.Matches),
	}
}

// singleTable reports whether the best match clearly dominates the runner-up
// that belongs to a different table.
func (p *Planner) singleTable(relevance retriever.Result) bool {
	top := relevance.Matches[0]
	if top.Score < p.cfg.DirectMinScore {
		return false
	}
	topTable := tableOf(top.Identifier)
	for _, m := range relevance.Matches[1:] {
		if tableOf(m.Identifier) == topTable {
			continue
		}
		return top.Score-m.Score >= p.cfg.DirectMargin
	}
	return true
}

func tableOf(id string) string {
	return schemaindex.SchemaEntity{Identifier: id}.Table()
}

// Intent is the textual classification of a request.
type Intent struct {
	General     bool
	Data        bool
	Aggregation bool
}

var (
	clauseSplit  = regexp.MustCompile(`[.?!;\n]+`)
	joinedAction = regexp.MustCompile(`\b(?:and|then|also)\s+(show|list|display|give|find|fetch|get|count|return)\b`)

	generalCue    = regexp.MustCompile(`^(?:what\s+is|what\s+are|what's|what\s+does|what\s+do|explain|define|describe\s+what|meaning\s+of|how\s+does|how\s+do|why)\b`)
	imperativeCue = regexp.MustCompile(`^(?:please\s+|now\s+|also\s+|then\s+|and\s+)*(?:show|list|display|give|find|fetch|get|count|return|select|pull)\b`)
	dataCue       = regexp.MustCompile(`\b(?:how\s+many|how\s+much|number\s+of|count|total|sum|average|avg|mean|top\s+\d+|most|least|max(?:imum)?|min(?:imum)?|per|each|last\s+\d+|latest|recent|which|who|when|where)\b`)
	aggregateCue  = regexp.MustCompile(`\b(?:how\s+many|how\s+much|number\s+of|count|total|sum|average|avg|mean|per|group|grouped|breakdown|by\s+each|compare|ratio|across|top\s+\d+|most|least|and\s+their|with\s+their|join)\b`)
)

// DetectIntent splits text into clauses and classifies each. A clause that
// opens with a definitional cue and carries no data cue is general. Every
// other clause is a data clause.
func DetectIntent(text string) Intent {
	lower := strings.ToLower(text)
	lower = joinedAction.ReplaceAllString(lower, ". $1")

	var in Intent
	for _, clause := range clauseSplit.Split(lower, -1) {
		clause = strings.TrimSpace(strings.Trim(strings.TrimSpace(clause), ",:"))
		if clause == "" {
			continue
		}
		if aggregateCue.MatchString(clause) {
			in.Aggregation = true
		}
		switch {
		case imperativeCue.MatchString(clause):
			in.Data = true
		case generalCue.MatchString(clause) && !dataCue.MatchString(clause):
			in.General = true
		default:
			in.Data = true
		}
	}
	return in
}

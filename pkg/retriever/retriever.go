package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/malbeclabs/querygate/pkg/embedding"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
)

var ErrEmptyRequest = errors.New("request text is empty")

// Match is one ranked schema entity.
type Match struct {
	Identifier string  `json:"identifier"`
	Score      float64 `json:"score"`
}

// Result is the ranked, bounded candidate set for a request. Version is the
// index version it was computed against.
type Result struct {
	Version string  `json:"version"`
	Matches []Match `json:"matches"`
}

func (r Result) Identifiers() []string {
	out := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.Identifier
	}
	return out
}

// Narrow returns a copy holding at most n leading matches.
func (r Result) Narrow(n int) Result {
	if n < 0 {
		n = 0
	}
	if n >= len(r.Matches) {
		n = len(r.Matches)
	}
	return Result{Version: r.Version, Matches: append([]Match(nil), r.Matches[:n]...)}
}

type Config struct {
	Logger   *slog.Logger
	Index    *schemaindex.Holder
	Embedder embedding.Embedder
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Index == nil {
		return errors.New("index is required")
	}
	if cfg.Embedder == nil {
		return errors.New("embedder is required")
	}
	return nil
}

type Retriever struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Retriever{log: cfg.Logger, cfg: cfg}, nil
}

// Find ranks index entities by cosine similarity to the request text and
// returns the topK best. Equal scores are ordered by identifier. Entities
// flagged system are skipped when excludeSystem is set. It fails with
// schemaindex.ErrIndexUnavailable when no index is loaded.
func (r *Retriever) Find(ctx context.Context, text string, topK int, excludeSystem bool) (Result, error) {
	snap, err := r.cfg.Index.Current()
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyRequest
	}
	if topK <= 0 {
		return Result{Version: snap.Version}, nil
	}

	vec, err := r.cfg.Embedder.Embed(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("failed to embed request: %w", err)
	}
	if len(vec) != snap.Dimension {
		return Result{}, fmt.Errorf("embedder %s produced %d dimensions, index %s has %d", r.cfg.Embedder.Name(), len(vec), snap.Version, snap.Dimension)
	}

	return Rank(snap, vec, topK, excludeSystem), nil
}

// Rank scores every eligible entity of snap against vec.
func Rank(snap *schemaindex.Snapshot, vec []float32, topK int, excludeSystem bool) Result {
	matches := make([]Match, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		if excludeSystem && e.IsSystem() {
			continue
		}
		matches = append(matches, Match{Identifier: e.Identifier, Score: embedding.Cosine(vec, e.Vector)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Identifier < matches[j].Identifier
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return Result{Version: snap.Version, Matches: matches}
}

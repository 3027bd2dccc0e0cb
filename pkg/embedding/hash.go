package embedding

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// HashEmbedder embeds text by hashing its word features into a fixed number
// of buckets. It needs no external service, so the same vectors come out of
// ingestion and serving on any machine.
type HashEmbedder struct {
	dim int
}

var _ Embedder = (*HashEmbedder)(nil)

func NewHashEmbedder(dim int) (*HashEmbedder, error) {
	if dim <= 0 {
		return nil, errors.New("dimension must be greater than 0")
	}
	return &HashEmbedder{dim: dim}, nil
}

func (h *HashEmbedder) Name() string   { return "hash" }
func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dim)
	for _, f := range features(text) {
		sum := xxhash.Sum64String(f)
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	Normalize(v)
	return v, nil
}

// features splits text into lowercase words. Snake-case identifiers yield the
// whole identifier and each of its parts, and a trailing plural "s" is dropped
// so "load balancer" and "load_balancers" share features.
func features(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		if isStopword(f) {
			continue
		}
		out = append(out, stem(f))
		if strings.Contains(f, "_") {
			for _, part := range strings.Split(f, "_") {
				if part != "" && !isStopword(part) {
					out = append(out, stem(part))
				}
			}
		}
	}
	return out
}

func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "of": {}, "in": {}, "on": {},
	"to": {}, "for": {}, "and": {}, "or": {}, "me": {}, "all": {}, "what": {}, "with": {},
	"show": {}, "list": {}, "give": {}, "their": {}, "its": {}, "by": {}, "from": {},
}

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

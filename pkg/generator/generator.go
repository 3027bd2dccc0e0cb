package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/querygate/pkg/metrics"
	"github.com/malbeclabs/querygate/pkg/planner"
	"github.com/malbeclabs/querygate/pkg/session"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrNoOutput means the response carried neither SQL nor a general answer.
	ErrNoOutput = errors.New("no sql or general answer in response")
)

// EntityContext is one permitted schema entity shown to the model.
type EntityContext struct {
	Identifier  string  `json:"identifier"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

type Request struct {
	Question            string
	Entities            []EntityContext
	History             []session.Turn
	Strategy            planner.Strategy
	MixedIntent         bool
	GeneralAnswerNeeded bool
	DataRequested       bool
	// Attempt starts at 1.
	Attempt int
}

// Response is untrusted model output. SQL is a candidate only.
type Response struct {
	SQL           string `json:"sql"`
	GeneralAnswer string `json:"general_answer"`
	MixedIntent   bool   `json:"mixed"`
}

// Generator turns a request into a candidate statement and/or a general answer.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// LLMClient sends a prompt and returns the response text.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type Config struct {
	Logger *slog.Logger
	LLM    LLMClient
	Clock  clockwork.Clock
	// SystemPrompt replaces the embedded prompt when set.
	SystemPrompt string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.LLM == nil {
		return errors.New("llm client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = generatePrompt
	}
	return nil
}

type LLMGenerator struct {
	log *slog.Logger
	cfg Config
}

var _ Generator = (*LLMGenerator)(nil)

func New(cfg Config) (*LLMGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &LLMGenerator{log: cfg.Logger, cfg: cfg}, nil
}

func (g *LLMGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Response{}, ErrEmptyQuestion
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	start := g.cfg.Clock.Now()
	raw, err := g.cfg.LLM.Complete(ctx, buildSystemPrompt(g.cfg.SystemPrompt, req), buildUserPrompt(req))
	if err != nil {
		metrics.GenerationAttemptsTotal.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("LLM completion failed: %w", err)
	}

	resp, err := parseResponse(raw, req)
	if err != nil {
		metrics.GenerationAttemptsTotal.WithLabelValues("unparsable").Inc()
		g.log.Warn("generator: unusable response", "attempt", req.Attempt, "len", len(raw), "error", err)
		return Response{}, err
	}
	metrics.GenerationAttemptsTotal.WithLabelValues("ok").Inc()
	g.log.Debug("generator: response parsed", "attempt", req.Attempt, "duration", g.cfg.Clock.Since(start).Round(time.Millisecond), "has_sql", resp.SQL != "", "has_answer", resp.GeneralAnswer != "")
	return resp, nil
}

// parseResponse accepts the JSON shape first, then SQL in code blocks, then a
// bare statement.
func parseResponse(raw string, req Request) (Response, error) {
	raw = strings.TrimSpace(raw)

	if js := extractJSON(raw); js != "" {
		var parsed Response
		if err := json.Unmarshal([]byte(js), &parsed); err == nil && (parsed.SQL != "" || parsed.GeneralAnswer != "") {
			parsed.SQL = cleanSQL(parsed.SQL)
			parsed.GeneralAnswer = strings.TrimSpace(parsed.GeneralAnswer)
			parsed.MixedIntent = parsed.MixedIntent || req.MixedIntent
			return parsed, nil
		}
	}

	if sql := extractSQLFromCodeBlocks(raw); sql != "" {
		resp := Response{SQL: sql, MixedIntent: req.MixedIntent}
		if req.GeneralAnswerNeeded {
			resp.GeneralAnswer = extractProse(raw)
		}
		return resp, nil
	}

	if looksLikeSQL(raw) {
		return Response{SQL: cleanSQL(raw), MixedIntent: req.MixedIntent}, nil
	}

	// Plain prose is a general answer when one was asked for.
	if req.GeneralAnswerNeeded && !req.DataRequested && raw != "" {
		return Response{GeneralAnswer: raw}, nil
	}
	return Response{}, ErrNoOutput
}

// extractJSON finds a JSON object in a fenced block or inline.
func extractJSON(s string) string {
	if start := strings.Index(s, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			if strings.HasPrefix(content, "{") {
				return content
			}
		}
	}
	if start := strings.Index(s, "{"); start != -1 {
		return extractJSONObject(s, start)
	}
	return ""
}

// extractJSONObject returns the balanced object starting at start.
func extractJSONObject(s string, start int) string {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func extractSQLFromCodeBlocks(s string) string {
	if start := strings.Index(s, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return cleanSQL(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}
	return ""
}

// looksLikeSQL reports whether text opens like a statement. Mutating forms
// count too. Rejecting them is the validator's job.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "VALUES", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	return strings.TrimSpace(strings.TrimSuffix(sql, ";"))
}

// extractProse drops code blocks and returns the remaining text.
func extractProse(s string) string {
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		s = s[:start] + s[start+3+end+3:]
	}
	return truncate(strings.TrimSpace(s), 2000)
}

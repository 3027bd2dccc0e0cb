package generator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/querygate/pkg/session"
)

type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	systems  []string
	users    []string
}

var _ LLMClient = (*fakeLLM)(nil)

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, system)
	f.users = append(f.users, user)
	return f.response, f.err
}

func newTestGenerator(t *testing.T, llm LLMClient) *LLMGenerator {
	t.Helper()
	g, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		LLM:    llm,
	})
	require.NoError(t, err)
	return g
}

func TestGenerator_Generate_ParsesResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		req      Request
		want     Response
	}{
		{
			name:     "json",
			response: `{"sql": "SELECT id FROM load_balancers;", "general_answer": "", "mixed": false}`,
			req:      Request{Question: "show load balancers", DataRequested: true},
			want:     Response{SQL: "SELECT id FROM load_balancers"},
		},
		{
			name:     "fenced json with answer",
			response: "Here you go:\n```json\n{\"sql\": \"SELECT * FROM load_balancers\", \"general_answer\": \"A load balancer spreads traffic.\", \"mixed\": true}\n```",
			req:      Request{Question: "What is a load balancer? Show all load balancers", MixedIntent: true},
			want:     Response{SQL: "SELECT * FROM load_balancers", GeneralAnswer: "A load balancer spreads traffic.", MixedIntent: true},
		},
		{
			name:     "inline json with braces in strings",
			response: `Sure. {"sql": "SELECT '{' AS brace FROM backends", "general_answer": "", "mixed": false} done`,
			req:      Request{Question: "brace", DataRequested: true},
			want:     Response{SQL: "SELECT '{' AS brace FROM backends"},
		},
		{
			name:     "sql code block",
			response: "Load balancers distribute traffic.\n```sql\nSELECT name FROM load_balancers;\n```",
			req:      Request{Question: "What is a load balancer? Show all load balancers", MixedIntent: true, GeneralAnswerNeeded: true, DataRequested: true},
			want:     Response{SQL: "SELECT name FROM load_balancers", GeneralAnswer: "Load balancers distribute traffic.", MixedIntent: true},
		},
		{
			name:     "generic code block",
			response: "```\nWITH x AS (SELECT 1) SELECT * FROM x\n```",
			req:      Request{Question: "q", DataRequested: true},
			want:     Response{SQL: "WITH x AS (SELECT 1) SELECT * FROM x"},
		},
		{
			name:     "bare sql",
			response: "  SELECT count(*) FROM backends;  ",
			req:      Request{Question: "how many backends", DataRequested: true},
			want:     Response{SQL: "SELECT count(*) FROM backends"},
		},
		{
			name:     "bare destructive sql is passed through",
			response: "DELETE FROM backends",
			req:      Request{Question: "clean up", DataRequested: true},
			want:     Response{SQL: "DELETE FROM backends"},
		},
		{
			name:     "general only json",
			response: `{"sql": "", "general_answer": "A backend serves requests."}`,
			req:      Request{Question: "what is a backend", GeneralAnswerNeeded: true},
			want:     Response{GeneralAnswer: "A backend serves requests."},
		},
		{
			name:     "general only prose",
			response: "A backend serves requests.",
			req:      Request{Question: "what is a backend", GeneralAnswerNeeded: true},
			want:     Response{GeneralAnswer: "A backend serves requests."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGenerator(t, &fakeLLM{response: tt.response})
			got, err := g.Generate(context.Background(), tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGenerator_Generate_NoOutput(t *testing.T) {
	t.Parallel()

	for _, response := range []string{"", "I cannot help with that.", `{"sql": "", "general_answer": ""}`} {
		g := newTestGenerator(t, &fakeLLM{response: response})
		_, err := g.Generate(context.Background(), Request{Question: "show backends", DataRequested: true})
		require.ErrorIs(t, err, ErrNoOutput, response)
	}
}

func TestGenerator_Generate_LLMError(t *testing.T) {
	t.Parallel()

	boom := errors.New("overloaded")
	g := newTestGenerator(t, &fakeLLM{err: boom})
	_, err := g.Generate(context.Background(), Request{Question: "show backends"})
	require.ErrorIs(t, err, boom)
}

func TestGenerator_Generate_EmptyQuestion(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{response: "SELECT 1"}
	g := newTestGenerator(t, llm)
	_, err := g.Generate(context.Background(), Request{Question: "  "})
	require.ErrorIs(t, err, ErrEmptyQuestion)
	require.Empty(t, llm.users)
}

func TestGenerator_Generate_PromptCarriesSchemaAndHistory(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{response: "SELECT 1"}
	g := newTestGenerator(t, llm)
	_, err := g.Generate(context.Background(), Request{
		Question: "only the healthy ones",
		Entities: []EntityContext{
			{Identifier: "backends", Description: "servers behind a load balancer"},
			{Identifier: "backends.healthy"},
		},
		History:     []session.Turn{{Seq: 4, Question: "show backends", SQL: "SELECT * FROM backends LIMIT 100"}},
		MixedIntent: true,
		Attempt:     2,
	})
	require.NoError(t, err)

	require.Len(t, llm.systems, 1)
	system, user := llm.systems[0], llm.users[0]
	require.Contains(t, system, "Respond with JSON only")
	require.Contains(t, system, "- backends: servers behind a load balancer\n")
	require.Contains(t, system, "- backends.healthy\n")
	require.Contains(t, system, "Q4: show backends\nSQL: SELECT * FROM backends LIMIT 100\n")
	require.Contains(t, user, "Question: only the healthy ones")
	require.Contains(t, user, "Fill both")
	require.Contains(t, user, "previous attempt")
}

func TestGenerator_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{LLM: &fakeLLM{}})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: slog.Default()})
	require.ErrorContains(t, err, "llm client is required")

	cfg := Config{Logger: slog.Default(), LLM: &fakeLLM{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, generatePrompt, cfg.SystemPrompt)
	require.NotEmpty(t, generatePrompt)
}

func TestGenerator_ExtractProse(t *testing.T) {
	t.Parallel()

	require.Equal(t, "before\n\nafter", extractProse("before\n```sql\nSELECT 1\n```\nafter"))
	require.Equal(t, "unterminated ```sql SELECT", extractProse("unterminated ```sql SELECT"))
}

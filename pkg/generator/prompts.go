package generator

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/malbeclabs/querygate/pkg/session"
)

//go:embed prompts/GENERATE.md
var generatePrompt string

// buildSystemPrompt appends the permitted schema and the conversation so far
// to the static prompt.
func buildSystemPrompt(static string, req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(static))

	b.WriteString("\n\n## Permitted schema\n\n")
	if len(req.Entities) == 0 {
		b.WriteString("(none)\n")
	}
	for _, e := range req.Entities {
		if e.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", e.Identifier, e.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", e.Identifier)
		}
	}

	if len(req.History) > 0 {
		b.WriteString("\n## Conversation so far\n\n")
		for _, t := range req.History {
			writeTurn(&b, t)
		}
	}
	return b.String()
}

func writeTurn(b *strings.Builder, t session.Turn) {
	fmt.Fprintf(b, "Q%d: %s\n", t.Seq, t.Question)
	if t.SQL != "" {
		fmt.Fprintf(b, "SQL: %s\n", t.SQL)
	}
	if t.GeneralAnswer != "" {
		fmt.Fprintf(b, "Answer: %s\n", truncate(t.GeneralAnswer, 300))
	}
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	switch {
	case req.MixedIntent:
		b.WriteString("\nThis question asks for an explanation and for data. Fill both `general_answer` and `sql`.\n")
	case req.GeneralAnswerNeeded && !req.DataRequested:
		b.WriteString("\nThis question needs no data. Leave `sql` empty.\n")
	}
	if req.Attempt > 1 {
		b.WriteString("\nThe previous attempt did not produce a usable answer. Use only the permitted schema above.\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

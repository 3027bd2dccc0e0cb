package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/querygate/pkg/logger"
	"github.com/malbeclabs/querygate/pkg/pipeline"
)

func newAskCmd() *cobra.Command {
	var (
		flags     pipelineFlags
		sessionID string
		statement bool
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one question through the pipeline and print the outcome as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd.Flags()); err != nil {
				return err
			}
			return ask(commandContext(cmd), cmd.OutOrStdout(), flags, sessionID, strings.Join(args, " "), statement, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session id")
	cmd.Flags().BoolVar(&statement, "sql", false, "treat the argument as a SQL statement instead of a question")
	flags.register(cmd.Flags())
	return cmd
}

func ask(ctx context.Context, w io.Writer, flags pipelineFlags, sessionID, text string, statement, verbose bool) error {
	log := logger.NewWithWriter(os.Stderr, verbose)

	st, err := newStack(ctx, log, flags)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load schema index: %w", err)
	}

	var out pipeline.Outcome
	if statement {
		out = st.pipeline.ExecuteStatement(ctx, sessionID, text)
	} else {
		out = st.pipeline.Ask(ctx, pipeline.Request{SessionID: sessionID, Question: text})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}
	if out.Failed() {
		return errors.New(out.Failure.Reason)
	}
	return nil
}

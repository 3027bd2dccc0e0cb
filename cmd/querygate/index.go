package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/querygate/pkg/logger"
	"github.com/malbeclabs/querygate/pkg/schemaindex"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the schema index",
	}
	cmd.AddCommand(newIndexIngestCmd(), newIndexShowCmd())
	return cmd
}

func newIndexIngestCmd() *cobra.Command {
	var (
		flags   indexFlags
		catalog string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Embed a YAML schema catalog and store it as the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd.Flags()); err != nil {
				return err
			}
			return ingest(commandContext(cmd), cmd.OutOrStdout(), flags, catalog, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	cmd.Flags().StringVar(&catalog, "catalog", "", "path to the YAML schema catalog")
	flags.register(cmd.Flags())
	return cmd
}

func newIndexShowCmd() *cobra.Command {
	var (
		flags   indexFlags
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored index version and entities as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd.Flags()); err != nil {
				return err
			}
			return show(commandContext(cmd), cmd.OutOrStdout(), flags, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	flags.register(cmd.Flags())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func ingest(ctx context.Context, w io.Writer, flags indexFlags, catalogPath string, verbose bool) error {
	if catalogPath == "" {
		return errors.New("catalog is required")
	}
	log := logger.NewWithWriter(os.Stderr, verbose)

	cat, err := schemaindex.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	emb, err := newEmbedder(flags)
	if err != nil {
		return err
	}
	snap, err := cat.Build(ctx, emb.Embed)
	if err != nil {
		return err
	}

	store, err := openIndexStore(ctx, log, flags)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Save(ctx, snap); err != nil {
		return err
	}

	fmt.Fprintf(w, "stored index version %s with %d entities (%s, %d dims)\n", snap.Version, len(snap.Entities), emb.Name(), snap.Dimension)
	return nil
}

type indexSummary struct {
	Version   string          `json:"version"`
	Dimension int             `json:"dimension"`
	Entities  []entitySummary `json:"entities"`
}

type entitySummary struct {
	Identifier  string            `json:"identifier"`
	Class       schemaindex.Class `json:"class"`
	Description string            `json:"description,omitempty"`
}

func show(ctx context.Context, w io.Writer, flags indexFlags, verbose bool) error {
	log := logger.NewWithWriter(os.Stderr, verbose)

	store, err := openIndexStore(ctx, log, flags)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load(ctx)
	if err != nil {
		return err
	}

	summary := indexSummary{Version: snap.Version, Dimension: snap.Dimension, Entities: make([]entitySummary, len(snap.Entities))}
	for i, e := range snap.Entities {
		summary.Entities[i] = entitySummary{Identifier: e.Identifier, Class: e.Class, Description: e.Description}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentic-research/reseller/api"
	"github.com/agentic-research/reseller/internal/graph"
	"github.com/agentic-research/reseller/internal/kimap"
	"github.com/agentic-research/reseller/internal/persist"
	"github.com/spf13/cobra"
)

var renderRoot string

func init() {
	renderCmd.Flags().StringVar(&renderRoot, "root", "", "Name of the subtree to draw (default: whole namespace)")
	rootCmd.AddCommand(renderCmd, nodeCmd, namehashCmd)
}

// openIndex restores the last persisted snapshot without touching the chain.
func openIndex(ctx context.Context, cfg api.Config) (*graph.Index, error) {
	store, err := persist.Open(cfg.Store, nil)
	if err != nil {
		return nil, err
	}
	sink := persist.NewSink(store, cfg.Store.Compress)
	defer func() { _ = sink.Close() }()

	idx, _, err := sink.Restore(ctx, cfg.Chain.Root())
	return idx, err
}

func lookup(idx *graph.Index, name string) (*graph.Node, error) {
	if name == "." {
		name = ""
	}
	hash, ok := idx.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no such name: %q", name)
	}
	n, _ := idx.Node(hash)
	return n, nil
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Draw the persisted namespace as a tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		idx, err := openIndex(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		name := renderRoot
		if name == "." {
			name = ""
		}
		hash, ok := idx.Lookup(name)
		if !ok {
			return fmt.Errorf("no such name: %q", renderRoot)
		}
		_, err = io.WriteString(cmd.OutOrStdout(), idx.Render(hash, 0)+"\n")
		return err
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node <name>",
	Short: "Print one persisted node as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		idx, err := openIndex(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		n, err := lookup(idx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(n)
	},
}

var namehashCmd = &cobra.Command{
	Use:   "namehash <name>",
	Short: "Print the namehash of a dotted name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), kimap.Namehash(args[0]).Hex())
		return err
	},
}

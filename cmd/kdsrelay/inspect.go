package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/st-keller/kdsrelay/extract"
	"github.com/st-keller/kdsrelay/tree"
)

var extractCmd = &cobra.Command{
	Use:   "extract <snapshot>",
	Short: "Run one extraction pass over a snapshot file",
	Long: `Run one extraction pass over a snapshot file and print the observed state
as JSON. The snapshot's package is not checked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := readSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		state := extract.New(extract.DefaultMarkers()).Extract(root)
		out := struct {
			extract.ObservedState
			OrderCount int `json:"order_count"`
		}{state, len(state.OrderIDs)}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <snapshot>",
	Short: "Print a text dump of a snapshot's UI tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := readSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(tree.Dump(root))
		return nil
	},
}

func readSnapshot(ctx context.Context, path string) (tree.Node, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	root, err := tree.NewFileSource(afero.NewOsFs(), path, nil).Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return root, nil
}

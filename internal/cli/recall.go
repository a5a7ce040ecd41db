package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/subcog/subcog/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Retrieve memories by meaning, filter, or both",
		Long: "Retrieve memories. A positional query ranks by semantic similarity; " +
			"--filter narrows with qualifiers like 'ns:decisions tag:auth priority>=3'. " +
			"Combine both for filtered semantic search.",
		Run: runRecall,
	}

	cmd.Flags().StringP("filter", "f", "", "Qualifier filter expression")
	cmd.Flags().IntP("limit", "l", 0, "Maximum results (default 20)")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	filter, _ := cmd.Flags().GetString("filter")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	hits, err := e.Recall(cmd.Context(), engine.RecallParams{
		Query:  query,
		Filter: filter,
		Limit:  limit,
	})
	if err != nil {
		exitErr("recall", err)
	}

	printJSON(hits)
}

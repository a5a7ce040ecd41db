package cli

import (
	"github.com/spf13/cobra"

	"github.com/subcog/subcog/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		Long:  "List current records newest first. Pages with --page-token from the previous output.",
		Run:   runList,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().IntP("limit", "l", 50, "Page size")
	cmd.Flags().String("page-token", "", "Continuation token from a previous page")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	limit, _ := cmd.Flags().GetInt("limit")
	token, _ := cmd.Flags().GetString("page-token")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	page, err := e.Store().List(cmd.Context(), store.ListParams{
		Namespace: ns,
		Limit:     limit,
		PageToken: token,
	})
	if err != nil {
		exitErr("list", err)
	}

	printJSON(page)
}

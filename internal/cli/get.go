package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve one record by id",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().IntP("version", "V", 0, "Specific historical version number")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	version, _ := cmd.Flags().GetInt("version")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	if version > 0 {
		v, err := e.GetVersion(cmd.Context(), args[0], version)
		if err != nil {
			exitErr("get", err)
		}
		printJSON(v)
		return
	}

	rec, err := e.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printJSON(rec)
}

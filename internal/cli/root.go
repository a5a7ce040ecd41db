// Package cli implements the subcog CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/subcog/subcog/internal/embedding"
	"github.com/subcog/subcog/internal/engine"
	"github.com/subcog/subcog/internal/logging"
)

var (
	dbPath  string
	quiet   bool
	verbose bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "subcog",
	Short: "Persistent memory for AI coding assistants",
	Long: "Durable, versioned memory with structured and semantic recall. " +
		"SQLite-backed, single binary.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Configure(os.Stderr, quiet, verbose)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $SUBCOG_DB or ~/.subcog/subcog.db)")
	RootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log errors")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("SUBCOG_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".subcog", "subcog.db")
}

// openEngine wires up the full stack behind one database file. The
// embedding provider comes from the environment and may be absent;
// everything but semantic recall works without it.
func openEngine() (*engine.Engine, error) {
	emb := embedding.NewFromEnv()
	if emb != nil {
		cached, err := embedding.NewCached(emb, 1024)
		if err != nil {
			return nil, err
		}
		emb = cached
	}
	return engine.Open(getDBPath(), emb, engine.Config{})
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

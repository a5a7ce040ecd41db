package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/subcog/subcog/internal/consolidate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge near-duplicates and reclaim expired tombstones",
		Long: "Run one maintenance pass: merge records in the same namespace whose " +
			"similarity meets the threshold, then physically remove tombstones older " +
			"than the retention window. Both knobs are required; there are no defaults.",
		Run: runConsolidate,
	}

	cmd.Flags().Float32("threshold", 0, "Similarity threshold in (0, 1] ($SUBCOG_CONSOLIDATE_THRESHOLD)")
	cmd.Flags().Duration("retention", 0, "Tombstone retention, e.g. 720h ($SUBCOG_TOMBSTONE_RETENTION)")

	RootCmd.AddCommand(cmd)

	enrich := &cobra.Command{
		Use:   "enrich",
		Short: "Derive knowledge-graph entities from records",
		Long:  "Build file and tag entities from the live records and connect co-occurring tags. Idempotent.",
		Run:   runEnrich,
	}
	RootCmd.AddCommand(enrich)

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the structured and vector indexes from the record store",
		Run:   runReindex,
	}
	RootCmd.AddCommand(reindex)

	retry := &cobra.Command{
		Use:   "embed-retry",
		Short: "Re-attempt pending and failed embeddings",
		Run:   runEmbedRetry,
	}
	RootCmd.AddCommand(retry)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	threshold, _ := cmd.Flags().GetFloat32("threshold")
	retention, _ := cmd.Flags().GetDuration("retention")

	if threshold == 0 {
		if env := os.Getenv("SUBCOG_CONSOLIDATE_THRESHOLD"); env != "" {
			f, err := strconv.ParseFloat(env, 32)
			if err != nil {
				exitErr("consolidate", fmt.Errorf("bad SUBCOG_CONSOLIDATE_THRESHOLD: %w", err))
			}
			threshold = float32(f)
		}
	}
	if retention == 0 {
		if env := os.Getenv("SUBCOG_TOMBSTONE_RETENTION"); env != "" {
			d, err := time.ParseDuration(env)
			if err != nil {
				exitErr("consolidate", fmt.Errorf("bad SUBCOG_TOMBSTONE_RETENTION: %w", err))
			}
			retention = d
		}
	}

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	c, err := consolidate.New(e.Store(), e.Index(), e.Vector(), e.Graph(), e.Locks(),
		consolidate.Config{Threshold: threshold, Retention: retention})
	if err != nil {
		exitErr("consolidate", err)
	}

	stats, err := c.Run(cmd.Context())
	if err != nil {
		exitErr("consolidate", err)
	}
	printJSON(stats)
}

func runEnrich(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	stats, err := e.Enrich(cmd.Context())
	if err != nil {
		exitErr("enrich", err)
	}
	printJSON(stats)
}

func runReindex(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	if err := e.Reindex(cmd.Context()); err != nil {
		exitErr("reindex", err)
	}
	fmt.Println("reindex complete")
}

func runEmbedRetry(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	n, err := e.RunPendingEmbeddings(cmd.Context())
	if err != nil {
		exitErr("embed-retry", err)
	}
	fmt.Printf("embedded %d records\n", n)
}

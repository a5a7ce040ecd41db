package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/subcog/subcog/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "capture [content]",
		Short: "Capture a memory record",
		Long:  "Capture a memory record. Content can be a positional arg or piped via stdin.",
		Run:   runCapture,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (required)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("source", "s", "", "Originating file or location")
	cmd.Flags().IntP("priority", "p", 0, "Priority 1-5 (default 3)")

	cmd.MarkFlagRequired("ns")

	RootCmd.AddCommand(cmd)
}

func runCapture(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	tagsStr, _ := cmd.Flags().GetString("tags")
	source, _ := cmd.Flags().GetString("source")
	priority, _ := cmd.Flags().GetInt("priority")

	// Content: positional arg first, then stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}
	if strings.TrimSpace(content) == "" {
		exitErr("capture", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	res, err := e.Capture(cmd.Context(), engine.CaptureParams{
		Namespace: ns,
		Content:   content,
		Tags:      splitTags(tagsStr),
		Source:    source,
		Priority:  priority,
	})
	if err != nil {
		exitErr("capture", err)
	}
	e.Wait() // let the embedding attempt finish before the process exits

	printJSON(res)
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

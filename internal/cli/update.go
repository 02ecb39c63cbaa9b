package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/ingest"
	"github.com/rcliao/memory-substrate/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update <id> [content]",
		Short: "Modify a memory",
		Long:  "Modify content, scope, importance, confidence, tags or metadata of a memory. Only the record's creator class or a kernel caller may update it.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runUpdate,
	}

	cmd.Flags().String("scope", "", "New scope: user, project, global")
	cmd.Flags().Float64("importance", -1, "New importance in [0,1]")
	cmd.Flags().Float64("confidence", -1, "New confidence in [0,1]")
	cmd.Flags().StringSliceP("tags", "t", nil, "Replace tags")
	cmd.Flags().String("meta", "", "Replace metadata (JSON)")

	RootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) {
	var p ingest.Patch
	if len(args) > 1 {
		content := strings.TrimSpace(strings.Join(args[1:], " "))
		p.Content = &content
	}
	if scope, _ := cmd.Flags().GetString("scope"); scope != "" {
		s := model.Scope(scope)
		p.Scope = &s
	}
	p.Importance = optionalUnit(cmd, "importance")
	p.Confidence = optionalUnit(cmd, "confidence")
	if cmd.Flags().Changed("tags") {
		p.Tags, _ = cmd.Flags().GetStringSlice("tags")
		if p.Tags == nil {
			p.Tags = []string{}
		}
	}
	if meta, _ := cmd.Flags().GetString("meta"); meta != "" {
		p.Metadata = parseMeta(meta)
	}

	e, _ := openEngine(cmd.Context())
	defer e.Close()

	rec, err := e.Update(cmd.Context(), caller(e), args[0], p)
	if err != nil {
		exitErr("update", err)
	}
	printOut(cmd.OutOrStdout(), rec)
}

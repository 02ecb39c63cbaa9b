package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant memories for a task",
		Long:  "Search and score memories, then greedily pack them into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}
	addQueryFlags(cmd)
	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in output")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")

	e, _ := openEngine(cmd.Context())
	defer e.Close()

	result, err := e.Context(cmd.Context(), caller(e), retrieval.ContextQuery{
		Query:  queryFromFlags(cmd, args),
		Budget: budget,
	})
	if err != nil {
		exitErr("context", err)
	}
	printOut(cmd.OutOrStdout(), result)
}

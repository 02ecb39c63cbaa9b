package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by meaning",
		Long:  "Rank memories across tiers by similarity. Falls back to substring matching when the embedding provider is unavailable.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}
	addQueryFlags(cmd)
	cmd.Flags().IntP("limit", "l", 0, "Max results (default: retrieval.top_k)")

	RootCmd.AddCommand(cmd)
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("scope", "", "Scope: user, project, global (default: all visible)")
	cmd.Flags().StringSlice("tier", nil, "Restrict to tiers")
	cmd.Flags().StringSlice("kind", nil, "Filter by kinds")
	cmd.Flags().StringSliceP("tags", "t", nil, "Filter by tags (all must match)")
	cmd.Flags().Float64("min-similarity", 0, "Override the similarity floor")
	cmd.Flags().Bool("current", false, "Exclude superseded records")
}

func queryFromFlags(cmd *cobra.Command, args []string) retrieval.Query {
	scope, _ := cmd.Flags().GetString("scope")
	tiers, _ := cmd.Flags().GetStringSlice("tier")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	current, _ := cmd.Flags().GetBool("current")

	q := retrieval.Query{
		Text:              strings.Join(args, " "),
		Scope:             model.Scope(scope),
		Tags:              tags,
		ExcludeSuperseded: current,
		MinSimilarity:     optionalUnit(cmd, "min-similarity"),
	}
	for _, t := range tiers {
		q.Tiers = append(q.Tiers, model.Tier(t))
	}
	for _, k := range kinds {
		q.Kinds = append(q.Kinds, model.Kind(k))
	}
	return q
}

func runSearch(cmd *cobra.Command, args []string) {
	q := queryFromFlags(cmd, args)
	q.TopK, _ = cmd.Flags().GetInt("limit")

	e, _ := openEngine(cmd.Context())
	defer e.Close()

	results, err := e.Search(cmd.Context(), caller(e), q)
	if err != nil {
		exitErr("search", err)
	}
	printOut(cmd.OutOrStdout(), results)
}

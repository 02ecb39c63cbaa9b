package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "links <id>",
		Short: "Show relationships of a long-tier memory",
		Args:  cobra.ExactArgs(1),
		Run:   runLinks,
	}

	RootCmd.AddCommand(cmd)
}

func runLinks(cmd *cobra.Command, args []string) {
	e, _ := openEngine(cmd.Context())
	defer e.Close()

	rels, err := e.Relationships(cmd.Context(), caller(e), args[0])
	if err != nil {
		exitErr("links", err)
	}
	printOut(cmd.OutOrStdout(), rels)
}

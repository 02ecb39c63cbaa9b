package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	e, _ := openEngine(cmd.Context())
	defer e.Close()

	rec, err := e.Get(cmd.Context(), caller(e), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printOut(cmd.OutOrStdout(), rec)
}

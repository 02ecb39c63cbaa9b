package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "audit [id]",
		Short: "Show audit entries",
		Long:  "With an id, show the trail of that memory. Without one, query the ledger (kernel callers only).",
		Args:  cobra.MaximumNArgs(1),
		Run:   runAudit,
	}

	cmd.Flags().String("op", "", "Filter by operation")
	cmd.Flags().String("status", "", "Filter by status: success, failure")
	cmd.Flags().Duration("since", 0, "Only entries newer than this, e.g. 24h")
	cmd.Flags().IntP("limit", "l", 100, "Max entries")

	RootCmd.AddCommand(cmd)
}

func runAudit(cmd *cobra.Command, args []string) {
	e, _ := openEngine(cmd.Context())
	defer e.Close()
	c := caller(e)

	if len(args) == 1 {
		trail, err := e.AuditTrail(cmd.Context(), c, args[0])
		if err != nil {
			exitErr("audit", err)
		}
		printOut(cmd.OutOrStdout(), trail)
		return
	}

	op, _ := cmd.Flags().GetString("op")
	status, _ := cmd.Flags().GetString("status")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	q := store.AuditQuery{Operation: op, Status: model.AuditStatus(status), Limit: limit}
	if since > 0 {
		q.Since = time.Now().Add(-since)
	}
	entries, err := e.QueryAudit(cmd.Context(), c, q)
	if err != nil {
		exitErr("audit", err)
	}
	printOut(cmd.OutOrStdout(), entries)
}

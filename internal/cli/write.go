package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/ingest"
	"github.com/rcliao/memory-substrate/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "write [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin. The tier follows --tier, then --ttl, then the kind default.",
		Run:   runWrite,
	}

	cmd.Flags().String("kind", "fact", "Kind: preference, fact, context, error, success, observation, decision")
	cmd.Flags().String("owner", "", "Owner id (default: the caller's owner)")
	cmd.Flags().String("project", "", "Project id")
	cmd.Flags().String("scope", "", "Scope: user, project, global")
	cmd.Flags().String("tier", "", "Explicit tier: short, medium, long")
	cmd.Flags().Duration("ttl", 0, "Time to live, e.g. 2h")
	cmd.Flags().Float64("importance", -1, "Importance in [0,1]")
	cmd.Flags().Float64("confidence", -1, "Confidence in [0,1]")
	cmd.Flags().StringSliceP("tags", "t", nil, "Tags")
	cmd.Flags().String("meta", "", "JSON metadata")

	RootCmd.AddCommand(cmd)
}

func runWrite(cmd *cobra.Command, args []string) {
	kind, _ := cmd.Flags().GetString("kind")
	owner, _ := cmd.Flags().GetString("owner")
	project, _ := cmd.Flags().GetString("project")
	scope, _ := cmd.Flags().GetString("scope")
	tier, _ := cmd.Flags().GetString("tier")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	meta, _ := cmd.Flags().GetString("meta")

	content := readContent(args)
	if content == "" {
		exitErr("write", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	e, _ := openEngine(cmd.Context())
	defer e.Close()
	c := caller(e)
	if owner == "" {
		owner = c.OwnerID
	}
	if project == "" {
		project = c.ProjectID
	}

	res, err := e.Write(cmd.Context(), c, ingest.Input{
		Content:    content,
		Kind:       model.Kind(kind),
		OwnerID:    owner,
		ProjectID:  project,
		Scope:      model.Scope(scope),
		Tier:       model.Tier(tier),
		TTL:        ttl,
		Importance: optionalUnit(cmd, "importance"),
		Confidence: optionalUnit(cmd, "confidence"),
		Tags:       tags,
		Metadata:   parseMeta(meta),
	})
	if err != nil {
		exitErr("write", err)
	}
	printOut(cmd.OutOrStdout(), res)
}

// optionalUnit returns a flag value only when it was set explicitly.
func optionalUnit(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return &v
}

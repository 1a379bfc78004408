package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the broken lot ledger",
		Long: `Inspect lots whose transition could not be completed or rolled back.

An unresolved lot is replayed from its stored snapshot the next time the feed
reports it, and resolved once the transition finishes.`,
	}

	cmd.AddCommand(newLedgerListCommand())
	cmd.AddCommand(newLedgerShowCommand())

	return cmd
}

func newLedgerListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List broken lots",
		Example: `  # List unresolved lots
  concierge ledger list

  # Include resolved lots as JSON
  concierge ledger list --all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			lots, err := store.ListBrokenLots(ctx, all)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, lots)
			}
			if len(lots) == 0 {
				fmt.Fprintln(out, "No broken lots")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LOT\tREVISION\tSTAGE\tFAILURES\tRESOLVED\tUPDATED")
			for _, l := range lots {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
					l.LotID, l.Revision, l.Stage, l.Failures, l.Resolved, l.Updated.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved lots")

	return cmd
}

func newLedgerShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <lot-id>",
		Short: "Show a ledger record with its lot snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetBrokenLot(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("lot %s is not in the ledger", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	}

	return cmd
}

func newPatchesCommand() *cobra.Command {
	var (
		resourceID string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "patches",
		Short: "List the journal of registry patches",
		Example: `  # Last 20 patches
  concierge patches --limit 20

  # Patches of one asset
  concierge patches --resource 0d7a1ab3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			patches, err := store.ListPatches(ctx, resourceID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, patches)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRESOURCE\tTYPE\tSTATUS\tLOT\tPATCHED")
			for _, p := range patches {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.ResourceID, p.ResourceType, p.Status, p.RelatedLot, p.PatchedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&resourceID, "resource", "", "only patches of this lot or asset")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of entries")

	return cmd
}

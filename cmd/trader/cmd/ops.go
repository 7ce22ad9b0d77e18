package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/livetrader/config"
	"github.com/rustyeddy/livetrader/runtime"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Add, list and export operations",
	Long: `Manage the operations held in the journal.

Subcommands:
  add     - Add operations from YAML or JSON files; the next run starts them
  list    - List every operation with its status and P&L
  export  - Write an operation's definition to a file

Examples:
  trader ops add -f ops/eur-trend.yaml
  trader ops list
  trader ops export 01HX... -o eur-trend.yaml`,
}

var opsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add operations from files",
	Args:  cobra.NoArgs,
	RunE:  runOpsAdd,
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations",
	Args:  cobra.NoArgs,
	RunE:  runOpsList,
}

var opsExportCmd = &cobra.Command{
	Use:   "export <operation-id>",
	Short: "Write an operation definition to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsExport,
}

var (
	opsAddFiles   []string
	opsExportPath string
)

func init() {
	rootCmd.AddCommand(opsCmd)
	opsCmd.AddCommand(opsAddCmd)
	opsCmd.AddCommand(opsListCmd)
	opsCmd.AddCommand(opsExportCmd)

	opsAddCmd.Flags().StringArrayVarP(&opsAddFiles, "file", "f", nil, "operation file (YAML or JSON); repeatable (required)")
	opsAddCmd.MarkFlagRequired("file")
	opsExportCmd.Flags().StringVarP(&opsExportPath, "output", "o", "operation.yaml", "output file; .json writes JSON")
}

func runOpsAdd(cmd *cobra.Command, args []string) error {
	_, store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	for _, path := range opsAddFiles {
		op, err := config.LoadOperation(path)
		if err != nil {
			return err
		}
		op, err = runtime.Define(cmd.Context(), store, nil, op)
		if err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
		fmt.Fprintf(out, "✓ Added operation %s (%s %s on %s)\n", op.ID, op.Asset, op.Strategy, op.PrimaryTimeframe)
	}
	return nil
}

func runOpsList(cmd *cobra.Command, args []string) error {
	_, store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	ops, err := store.Operations(cmd.Context())
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}
	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no operations")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tASSET\tSTRATEGY\tSTATUS\tPNL\tPNL%")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%.2f\n",
			op.ID, op.Name, op.Asset, op.Strategy, op.Status, op.TotalPnL, op.TotalPnLPct)
	}
	return w.Flush()
}

func runOpsExport(cmd *cobra.Command, args []string) error {
	_, store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	op, err := store.Operation(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("operation %s: %w", args[0], err)
	}
	if err := config.SaveOperation(opsExportPath, op); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", opsExportPath)
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/app"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/reconcile"
)

type opener func() (*app.App, error)

func reconcileCmd(open opener) *cobra.Command {
	var mode string
	var failOnCritical bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print the report",
		Long: `Run one reconciliation pass over every account.

dry_run (default) only reports. apply also collapses duplicate grants and
records missing deductions; every repair writes an audit transaction.

Examples:
  creditctl reconcile
  creditctl reconcile --mode apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := reconcile.ParseMode(mode)
			if err != nil {
				return err
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Engine.Run(cmd.Context(), m)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if failOnCritical && report.HasCritical() {
				return fmt.Errorf("run %s has unrepaired critical violations", report.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(reconcile.ModeDryRun), "dry_run or apply")
	cmd.Flags().BoolVar(&failOnCritical, "fail-on-critical", false, "exit non-zero when critical violations remain")
	return cmd
}

func runsCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent reconciliation runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tMODE\tSTARTED\tACCOUNTS\tVIOLATIONS\tREPAIRS\tERRORS\tINTERRUPTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%t\n",
					r.RunID, r.Mode, r.StartedAt.Format(time.RFC3339), r.AccountsScanned,
					r.Violations, r.RepairsApplied, r.Errors, r.Interrupted)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs")
	return cmd
}

func balanceCmd(open opener) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "balance [presented-id]",
		Short: "Resolve an identity and show its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.Credits.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account:  %s\nbalance:  %d\nearned:   %d\nspent:    %d\ntier:     %s\n",
				view.AccountID, view.Balance, view.LifetimeEarned, view.LifetimeSpent, view.Tier)
			if !history {
				return nil
			}
			txs, err := a.Credits.Store().Transactions(cmd.Context(), view.AccountID)
			if err != nil {
				return err
			}
			return printTransactions(out, txs)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "also print the transaction log")
	return cmd
}

func resolveCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [presented-id]",
		Short: "Show which account an identity resolves to and why",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", res.PresentedID, res.AccountID, res.Source)
			return nil
		},
	}
}

func linkCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "link [primary-id] [secondary-id]",
		Short: "Map a legacy identity onto its canonical account",
		Long: `Create the identity mapping primary -> secondary. Re-linking the same pair
is a no-op; linking a primary to a different secondary fails.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.Resolver.Link(cmd.Context(), args[0], ledger.AccountID(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s -> %s\n", m.PrimaryID, m.SecondaryID)
			return nil
		},
	}
}

func importLegacyCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy [export.json]",
		Short: "Import balances exported from the legacy auth system",
		Long: `Import a JSON array of legacy balance rows:

  [{"user_id": "u1", "balance": "12.5", "lifetime_earned": "40", "lifetime_spent": "27.5", "tier": "basic"}]

Accounts that already exist are skipped, so the import can be re-run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var rows []credits.LegacyAccount
			if err := json.Unmarshal(data, &rows); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Credits.ImportLegacyAccounts(cmd.Context(), rows)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "imported %d, skipped %d, failed %d\n", summary.Imported, len(summary.Skipped), len(summary.Failed))
			for id, reason := range summary.Failed {
				fmt.Fprintf(out, "  %s: %s\n", id, reason)
			}
			if len(summary.Failed) > 0 {
				return fmt.Errorf("%d rows failed", len(summary.Failed))
			}
			return nil
		},
	}
}

func migrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// opening migrates
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.Store.Dialect())
			return nil
		},
	}
}

func tokenCmd(load func() (config.Config, error)) *cobra.Command {
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Mint an identity token signed with CREDIT_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("CREDIT_JWT_SECRET must be set")
			}
			tok, err := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer).Issue(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role claim (admin for operator endpoints)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func printTransactions(w io.Writer, txs []ledger.Transaction) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTYPE\tAMOUNT\tAFTER\tREFERENCE\tAPPLIED")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%t\n",
			tx.CreatedAt.Format(time.RFC3339), tx.Type, tx.Amount, tx.BalanceAfter, tx.Reference, tx.Applied)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

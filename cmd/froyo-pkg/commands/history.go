package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyopkg/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transactions",
		Example: `  # Last 10 transactions
  froyo-pkg history --limit 10

  # Transitions and events of one transaction
  froyo-pkg history show 3f0c9d2e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			store, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			txs, err := store.ListTransactions(ctx, limit, offset)
			if err != nil {
				return err
			}

			var b strings.Builder
			tw := newTable(&b)
			fmt.Fprintln(tw, "ID\tSTATUS\tREBOOT\tSTARTED\tROOT")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
					tx.ID, tx.Status, tx.RebootNeeded, tx.StartedAt.Local().Format(time.DateTime), tx.ImageRoot)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return render(cmd, txs, b.String())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of transactions")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of transactions to skip")
	cmd.AddCommand(newHistoryShowCommand())
	return cmd
}

type transactionDetail struct {
	Transaction *stores.Transaction  `json:"transaction"`
	Transitions []*stores.Transition `json:"transitions"`
	Events      []*stores.Event      `json:"events"`
}

func newHistoryShowCommand() *cobra.Command {
	var maxEvents int

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the transitions and events of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer env.Close(ctx)

			store, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			id := args[0]
			tx, err := store.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			transitions, err := store.ListTransitions(ctx, id)
			if err != nil {
				return err
			}
			events, err := store.GetEvents(ctx, &id, nil, maxEvents, 0)
			if err != nil {
				return err
			}

			detail := transactionDetail{Transaction: tx, Transitions: transitions, Events: events}
			return render(cmd, detail, formatDetail(detail))
		},
	}

	cmd.Flags().IntVar(&maxEvents, "events", 200, "maximum number of events")
	return cmd
}

func formatDetail(d transactionDetail) string {
	var b strings.Builder
	tx := d.Transaction
	fmt.Fprintf(&b, "Transaction %s\n", tx.ID)
	fmt.Fprintf(&b, "  root:    %s\n", tx.ImageRoot)
	fmt.Fprintf(&b, "  status:  %s\n", tx.Status)
	fmt.Fprintf(&b, "  reboot:  %t\n", tx.RebootNeeded)
	fmt.Fprintf(&b, "  started: %s\n", tx.StartedAt.Local().Format(time.DateTime))
	if tx.CompletedAt != nil {
		fmt.Fprintf(&b, "  done:    %s\n", tx.CompletedAt.Local().Format(time.DateTime))
	}
	if tx.Error != nil {
		fmt.Fprintf(&b, "  error:   %s\n", *tx.Error)
	}

	b.WriteString("\nTransitions:\n")
	tw := newTable(&b)
	for _, tr := range d.Transitions {
		fmt.Fprintf(tw, "  %d\t%s\t%s -> %s\t%s\t%d actions\n",
			tr.Seq, tr.Operation, deref(tr.Origin), deref(tr.Destination), tr.State, tr.ActionCount)
	}
	_ = tw.Flush()

	b.WriteString("\nEvents:\n")
	for _, e := range d.Events {
		fmt.Fprintf(&b, "  %s %-7s %-20s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
	}
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}

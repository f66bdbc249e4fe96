package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/editalwatch/discovery/internal/crawler"
)

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Lists and resolves manual review tickets",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "Prints review tickets as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tickets, err := a.GetReviews().List(cmd.Context(), crawler.TicketStatus(status))
			if err != nil {
				return err
			}
			if tickets == nil {
				tickets = []crawler.ManualReviewTicket{}
			}
			return printJSON(cmd.OutOrStdout(), tickets)
		},
	}
	list.Flags().StringVar(&status, "status", string(crawler.TicketOpen), "open, resolved, ignored or empty for all")

	var (
		resolution string
		notes      string
	)
	resolve := &cobra.Command{
		Use:   "resolve <ticket-id>",
		Short: "Closes a review ticket as resolved or ignored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.GetReviews().Resolve(cmd.Context(), args[0], crawler.TicketStatus(resolution), notes); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ticket %s %s\n", args[0], resolution)
			return err
		},
	}
	resolve.Flags().StringVar(&resolution, "as", string(crawler.TicketResolved), "resolved or ignored")
	resolve.Flags().StringVar(&notes, "notes", "", "operator notes stored on the ticket")

	cmd.AddCommand(list, resolve)
	return cmd
}

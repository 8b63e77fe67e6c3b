package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) borrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "borrow MEMBER_ID BOOK_ID",
		Short: "Lend the lowest free copy of a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "member id", "book id")
			if err != nil {
				return err
			}
			loan, err := c.app.Engine.Borrow(cmd.Context(), ids[0], ids[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loan)
		},
	}
}

func (c *cli) returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return LOAN_ID",
		Short: "Return a loan and serve the next reserver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "loan id")
			if err != nil {
				return err
			}
			result, err := c.app.Engine.Return(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func (c *cli) reserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reserve MEMBER_ID BOOK_ID",
		Short: "Join the waiting queue for a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "member id", "book id")
			if err != nil {
				return err
			}
			res, err := c.app.Engine.Reserve(cmd.Context(), ids[0], ids[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel MEMBER_ID BOOK_ID",
		Short: "Cancel a reservation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "member id", "book id")
			if err != nil {
				return err
			}
			if err := c.app.Engine.CancelReservation(cmd.Context(), ids[0], ids[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reservation cancelled")
			return nil
		},
	}
}

func (c *cli) promoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote BOOK_ID",
		Short: "Lend a free copy to the head of the book's queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "book id")
			if err != nil {
				return err
			}
			promo, err := c.app.Engine.Promote(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), promo)
		},
	}
}

func (c *cli) finesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "fines", Short: "Assess and settle fines"}

	check := &cobra.Command{
		Use:   "check MEMBER_ID",
		Short: "Fine the member's overdue loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "member id")
			if err != nil {
				return err
			}
			fines, err := c.app.Engine.CheckAndApplyFines(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), nonNil(fines))
		},
	}

	pay := &cobra.Command{
		Use:   "pay MEMBER_ID",
		Short: "Mark all of the member's fines paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := idArgs(args, "member id")
			if err != nil {
				return err
			}
			n, err := c.app.Engine.PayFines(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"paid": n})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Fine every overdue loan in the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.Engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"fines_issued": n})
		},
	}

	cmd.AddCommand(check, pay, sweep)
	return cmd
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

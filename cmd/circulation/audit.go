package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"libranexus/lending/internal/audit"
	"libranexus/lending/internal/clock"
)

func (c *cli) auditCmd() *cobra.Command {
	var experiments bool
	var contenders int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check the lending invariants against the store",
		Long: "Check the lending invariants against the store. With --experiments the " +
			"concurrent borrow and return races run first, writing audit books and members.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner := audit.NewRunner(c.logger, clock.System())
			checks := c.app.Invariants()

			report := struct {
				Results    []*audit.Result   `json:"experiments,omitempty"`
				Violations []audit.Violation `json:"violations"`
			}{}

			if experiments {
				target := c.app.AuditTarget()
				results, err := runner.RunGameDay(cmd.Context(), audit.GameDay{
					Name: "audit",
					Scenarios: []audit.Experiment{
						audit.BorrowRace(target, checks, contenders),
						audit.ReturnRace(target, checks, 2, contenders),
					},
				})
				if err != nil {
					return err
				}
				report.Results = results
			}

			violations, err := runner.Check(cmd.Context(), checks)
			if err != nil {
				return err
			}
			report.Violations = violations
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}

			failed := len(violations)
			for _, r := range report.Results {
				if !r.HypothesisHeld {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("audit failed: %d problem(s)", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&experiments, "experiments", false, "run the concurrency experiments")
	cmd.Flags().IntVar(&contenders, "contenders", 10, "concurrent borrowers per experiment")
	return cmd
}

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	"github.com/bulwarkhq/bulwark/internal/core/store"
	"github.com/bulwarkhq/bulwark/internal/output"
	"github.com/bulwarkhq/bulwark/internal/server"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and manage mitigation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rules on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		rules, err := client.Rules(cmd.Context())
		if err != nil {
			return err
		}
		return writeOutput(cmd, "rules", func(f output.Formatter) (string, error) {
			return f.FormatRules(rules)
		})
	},
}

var (
	ruleAction    string
	ruleDuration  time.Duration
	ruleReason    string
	ruleScore     float64
	ruleRateLimit float64
	ruleForce     bool
)

var rulesApplyCmd = &cobra.Command{
	Use:   "apply <ip>",
	Short: "Block, throttle or challenge a source address",
	Long: `Apply a manual rule on a running server.

A live rule is only replaced by a higher score unless --force is set.`,
	Example: `  bulwark rules apply 203.0.113.7 --action block --duration 30m --reason "credential stuffing"
  bulwark rules apply 198.51.100.4 --action throttle --rate-limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := ruleRequestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		client, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		resp, err := client.ApplyRule(cmd.Context(), req)
		if err != nil {
			return err
		}
		return writeRuleResult(cmd, "rules.apply", resp)
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:     "remove <ip>",
	Aliases: []string{"whitelist"},
	Short:   "Remove the rule for a source address",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClientFromFlags(cmd)
		if err != nil {
			return err
		}
		resp, err := client.RemoveRule(cmd.Context(), strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		return writeRuleResult(cmd, "rules.remove", resp)
	},
}

var (
	historyTarget string
	historyKind   string
	historySince  time.Duration
	historyLimit  int
)

var rulesHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List journaled rule changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := historyQuery(time.Now())
		if err != nil {
			return err
		}

		db, err := openJournalStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		events, err := db.ListEvents(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeOutput(cmd, "rules.history", func(f output.Formatter) (string, error) {
			return f.FormatEvents(events)
		})
	},
}

var pruneBefore time.Duration

var rulesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete journal entries older than --before",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneBefore <= 0 {
			return fmt.Errorf("--before must be positive")
		}

		db, err := openJournalStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		cutoff := time.Now().Add(-pruneBefore)
		n, err := db.PruneEvents(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d journal entries older than %s\n", n, cutoff.UTC().Format(time.RFC3339))
		return err
	},
}

func ruleRequestFromFlags(cmd *cobra.Command, target string) (server.RuleRequest, error) {
	req := server.RuleRequest{
		Target: strings.TrimSpace(target),
		Action: ruleAction,
		Reason: ruleReason,
		Score:  ruleScore,
		Force:  ruleForce,
	}
	if ruleDuration < 0 {
		return req, fmt.Errorf("--duration must be positive")
	}
	if ruleDuration > 0 {
		req.Duration = ruleDuration.String()
	}
	if cmd.Flags().Changed("rate-limit") {
		if ruleRateLimit <= 0 {
			return req, fmt.Errorf("--rate-limit must be positive")
		}
		limit := ruleRateLimit
		req.RateLimit = &limit
	}
	// Surface bad input before a round trip.
	if _, err := req.ManualRule(); err != nil {
		return req, err
	}
	return req, nil
}

func historyQuery(now time.Time) (store.EventQuery, error) {
	q := store.EventQuery{
		Target: strings.TrimSpace(historyTarget),
		Kind:   mitigation.ChangeKind(strings.ToLower(strings.TrimSpace(historyKind))),
		Limit:  historyLimit,
	}
	if historySince < 0 {
		return q, fmt.Errorf("--since must be positive")
	}
	if historySince > 0 {
		q.Since = now.Add(-historySince)
	}
	return q, q.Validate()
}

func writeRuleResult(cmd *cobra.Command, name string, resp server.RuleResponse) error {
	view := engine.RuleView{Rule: resp.Rule}
	if remaining := resp.Rule.Remaining(time.Now()); remaining > 0 {
		view.Remaining = remaining
		view.RemainingSecs = remaining.Seconds()
	}
	if _, err := fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", resp.Rule.Target, resp.Outcome); err != nil {
		return err
	}
	return writeOutput(cmd, name, func(f output.Formatter) (string, error) {
		return f.FormatRules([]engine.RuleView{view})
	})
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesApplyCmd, rulesRemoveCmd, rulesHistoryCmd, rulesPruneCmd)

	for _, c := range []*cobra.Command{rulesListCmd, rulesApplyCmd, rulesRemoveCmd} {
		addAdminFlags(c)
	}
	for _, c := range []*cobra.Command{rulesListCmd, rulesApplyCmd, rulesRemoveCmd, rulesHistoryCmd} {
		addOutputFlags(c)
	}

	rulesApplyCmd.Flags().StringVar(&ruleAction, "action", "block", "rule action: block|throttle|challenge")
	rulesApplyCmd.Flags().DurationVar(&ruleDuration, "duration", 0, "rule lifetime (default depends on action and score)")
	rulesApplyCmd.Flags().StringVar(&ruleReason, "reason", "", "reason recorded with the rule")
	rulesApplyCmd.Flags().Float64Var(&ruleScore, "score", 0, "rule score in [0,1] (default 1.0)")
	rulesApplyCmd.Flags().Float64Var(&ruleRateLimit, "rate-limit", 0, "requests per second for throttle rules")
	rulesApplyCmd.Flags().BoolVar(&ruleForce, "force", false, "replace a live rule regardless of score")

	rulesHistoryCmd.Flags().StringVar(&historyTarget, "target", "", "only events for this address")
	rulesHistoryCmd.Flags().StringVar(&historyKind, "kind", "", "only events of this kind (created, replaced, removed, expired)")
	rulesHistoryCmd.Flags().DurationVar(&historySince, "since", 0, "only events newer than this (e.g. 24h)")
	rulesHistoryCmd.Flags().IntVar(&historyLimit, "limit", 100, "maximum events to list (0 for all)")

	rulesPruneCmd.Flags().DurationVar(&pruneBefore, "before", 30*24*time.Hour, "delete entries older than this")
}

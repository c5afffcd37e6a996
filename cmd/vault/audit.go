package main

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query and verify audit trails"}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, f := range []string{"subject", "actor", "action", "since", "until", "cursor"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					q.Set(f, v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			result, err := newClient().get("/v1/audit", q)
			if err != nil {
				return fail(err)
			}
			printRows(result, "seq", "timestamp", "action", "actor_id", "subject_id", "payload")
			return nil
		},
	}
	queryCmd.Flags().String("subject", "", "Subject (owner) whose trail to read")
	queryCmd.Flags().String("actor", "", "Only entries performed by this principal")
	queryCmd.Flags().String("action", "", "Only entries with this action")
	queryCmd.Flags().String("since", "", "RFC3339 lower bound")
	queryCmd.Flags().String("until", "", "RFC3339 upper bound")
	queryCmd.Flags().String("cursor", "", "Continue from a previous page")
	queryCmd.Flags().Int("limit", 0, "Page size")

	verifyCmd := &cobra.Command{
		Use:   "verify <subject>",
		Short: "Check a subject's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().get("/v1/audit/verify/"+args[0], nil); err != nil {
				return fail(err)
			}
			printSuccess("Success! Audit chain for " + args[0] + " is intact.")
			return nil
		},
	}

	cmd.AddCommand(queryCmd, verifyCmd)
	return cmd
}

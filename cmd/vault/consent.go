package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("ops", []string{"read"}, "Operations: read, annotate, emergency-read")
	cmd.Flags().StringSlice("categories", nil, "Record categories covered")
	cmd.Flags().StringSlice("records", nil, "Record ids covered")
	cmd.Flags().Bool("all", false, "Cover every record of the owner")
}

func scopeFromFlags(cmd *cobra.Command) map[string]any {
	ops, _ := cmd.Flags().GetStringSlice("ops")
	categories, _ := cmd.Flags().GetStringSlice("categories")
	records, _ := cmd.Flags().GetStringSlice("records")
	all, _ := cmd.Flags().GetBool("all")
	return map[string]any{
		"operations": ops,
		"categories": categories,
		"record_ids": records,
		"all":        all,
	}
}

func scopeFlagsChanged(cmd *cobra.Command) bool {
	for _, f := range []string{"ops", "categories", "records", "all"} {
		if cmd.Flags().Changed(f) {
			return true
		}
	}
	return false
}

func consentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "consent", Short: "Consent requests and grants"}

	requestCmd := &cobra.Command{
		Use:   "request <owner>",
		Short: "Ask an owner for access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().post("/v1/consent/requests", map[string]any{
				"owner_id": args[0],
				"scope":    scopeFromFlags(cmd),
			}))
		},
	}
	addScopeFlags(requestCmd)

	requestsCmd := &cobra.Command{
		Use:   "requests",
		Short: "List consent requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			status, _ := cmd.Flags().GetString("status")
			q := url.Values{"role": {role}}
			if status != "" {
				q.Set("status", status)
			}
			result, err := newClient().get("/v1/consent/requests", q)
			if err != nil {
				return fail(err)
			}
			printRows(result, "id", "requester_id", "owner_id", "status", "requested_at")
			return nil
		},
	}
	requestsCmd.Flags().String("role", "owner", "List requests where you are the owner or the requester")
	requestsCmd.Flags().String("status", "", "Filter by status: pending, granted, denied, stale")

	grantCmd := &cobra.Command{
		Use:   "grant <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetString("ttl")
			body := map[string]any{"ttl": ttl}
			if scopeFlagsChanged(cmd) {
				body["scope"] = scopeFromFlags(cmd)
			}
			return show(newClient().post("/v1/consent/requests/"+args[0]+"/grant", body))
		},
	}
	grantCmd.Flags().String("ttl", "", "Grant lifetime (e.g. 720h); empty means no expiry")
	addScopeFlags(grantCmd)

	denyCmd := &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Decline a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return show(newClient().post("/v1/consent/requests/"+args[0]+"/deny", map[string]any{"reason": reason}))
		},
	}
	denyCmd.Flags().String("reason", "", "Reason shown to the requester")

	grantsCmd := &cobra.Command{
		Use:   "grants",
		Short: "List consent grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			status, _ := cmd.Flags().GetString("status")
			q := url.Values{"role": {role}}
			if status != "" {
				q.Set("status", status)
			}
			result, err := newClient().get("/v1/consent/grants", q)
			if err != nil {
				return fail(err)
			}
			printRows(result, "id", "owner_id", "grantee_id", "status", "expires_at", "issued_by")
			return nil
		},
	}
	grantsCmd.Flags().String("role", "owner", "List grants where you are the owner or the grantee")
	grantsCmd.Flags().String("status", "", "Filter by status: active, revoked, expired")

	revokeCmd := &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().post("/v1/consent/grants/"+args[0]+"/revoke", nil))
		},
	}

	emergencyCmd := &cobra.Command{
		Use:   "emergency <owner> <grantee>",
		Short: "Issue an emergency grant (authorities only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetString("ttl")
			return show(newClient().post("/v1/consent/emergency", map[string]any{
				"owner_id":   args[0],
				"grantee_id": args[1],
				"ttl":        ttl,
			}))
		},
	}
	emergencyCmd.Flags().String("ttl", "24h", "Grant lifetime")

	cmd.AddCommand(requestCmd, requestsCmd, grantCmd, denyCmd, grantsCmd, revokeCmd, emergencyCmd)
	return cmd
}

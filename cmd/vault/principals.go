package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "principal", Short: "Manage the identity directory"}

	registerCmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register or update a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			name, _ := cmd.Flags().GetString("name")
			return show(newClient().post("/v1/principals", map[string]any{
				"id":           args[0],
				"kind":         kind,
				"display_name": name,
			}))
		},
	}
	registerCmd.Flags().String("kind", "patient", "Principal kind: patient, clinician, authority, service")
	registerCmd.Flags().String("name", "", "Display name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/principals", nil)
			if err != nil {
				return fail(err)
			}
			printRows(result, "id", "kind", "active", "display_name")
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/principals/"+args[0], nil))
		},
	}

	setActive := func(active bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().put("/v1/principals/"+args[0]+"/active", map[string]any{"active": active}); err != nil {
				return fail(err)
			}
			state := "deactivated"
			if active {
				state = "activated"
			}
			printSuccess(fmt.Sprintf("Success! Principal %s %s.", args[0], state))
			return nil
		}
	}
	activateCmd := &cobra.Command{Use: "activate <id>", Short: "Activate a principal", Args: cobra.ExactArgs(1), RunE: setActive(true)}
	deactivateCmd := &cobra.Command{Use: "deactivate <id>", Short: "Deactivate a principal", Args: cobra.ExactArgs(1), RunE: setActive(false)}

	cmd.AddCommand(registerCmd, listCmd, getCmd, activateCmd, deactivateCmd)
	return cmd
}

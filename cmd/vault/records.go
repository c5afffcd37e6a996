package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vault", Short: "Per-owner vaults"}

	initCmd := &cobra.Command{
		Use:   "init [owner]",
		Short: "Create the vault for an owner (defaults to the caller)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) > 0 {
				body["owner_id"] = args[0]
			}
			return show(newClient().post("/v1/vaults", body))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <owner>",
		Short: "Show whether an owner's vault exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/vaults/"+args[0], nil))
		},
	}

	cmd.AddCommand(initCmd, statusCmd)
	return cmd
}

// readPayload takes the record body from --data, or from --file ("-" for stdin).
func readPayload(cmd *cobra.Command) ([]byte, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case data != "" && file != "":
		return nil, errors.New("use either --data or --file, not both")
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("record content is required (--data or --file)")
}

// writePlaintext prints a record body returned by the data endpoints.
func writePlaintext(result map[string]any) error {
	if outputFormat != "table" {
		printResult(result)
		return nil
	}
	enc, _ := result["data"].(string)
	pt, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return fail(fmt.Errorf("decoding record body: %w", err))
	}
	os.Stdout.Write(pt) //nolint:errcheck
	if len(pt) > 0 && pt[len(pt)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Encrypted records"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Store a new record",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd)
			if err != nil {
				return fail(err)
			}
			owner, _ := cmd.Flags().GetString("owner")
			category, _ := cmd.Flags().GetString("category")
			eligible, _ := cmd.Flags().GetBool("emergency-eligible")
			return show(newClient().post("/v1/records", map[string]any{
				"owner_id":           owner,
				"category":           category,
				"data":               payload,
				"emergency_eligible": eligible,
			}))
		},
	}
	createCmd.Flags().String("owner", "", "Owner of the record (defaults to the caller)")
	createCmd.Flags().String("category", "note", "Category: vitals, medication, lab_result, imaging, note, emergency")
	createCmd.Flags().String("data", "", "Record content")
	createCmd.Flags().String("file", "", "Read record content from a file ('-' for stdin)")
	createCmd.Flags().Bool("emergency-eligible", false, "Allow emergency access without a grant")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your records",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/records", nil)
			if err != nil {
				return fail(err)
			}
			printRows(result, "id", "category", "version", "emergency_eligible", "updated_at")
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show record metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/records/"+args[0], nil))
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Decrypt a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/records/"+args[0]+"/data", nil)
			if err != nil {
				return fail(err)
			}
			return writePlaintext(result)
		},
	}

	emergencyCmd := &cobra.Command{
		Use:   "emergency <id>",
		Short: "Break-glass read of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			result, err := newClient().post("/v1/records/"+args[0]+"/emergency", map[string]any{"reason": reason})
			if err != nil {
				return fail(err)
			}
			fmt.Fprintln(os.Stderr, "Emergency access recorded in the owner's audit trail.")
			return writePlaintext(result)
		},
	}
	emergencyCmd.Flags().String("reason", "", "Justification recorded with the access (required)")

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a record's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd)
			if err != nil {
				return fail(err)
			}
			body := map[string]any{"data": payload}
			if cmd.Flags().Changed("emergency-eligible") {
				eligible, _ := cmd.Flags().GetBool("emergency-eligible")
				body["emergency_eligible"] = eligible
			}
			return show(newClient().put("/v1/records/"+args[0], body))
		},
	}
	updateCmd.Flags().String("data", "", "Record content")
	updateCmd.Flags().String("file", "", "Read record content from a file ('-' for stdin)")
	updateCmd.Flags().Bool("emergency-eligible", false, "Change emergency eligibility (owner only)")

	cmd.AddCommand(createCmd, listCmd, getCmd, readCmd, emergencyCmd, updateCmd)
	return cmd
}

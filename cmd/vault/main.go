package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// errReported marks a failure whose message was already printed.
var errReported = errors.New("command failed")

var rootCmd = &cobra.Command{
	Use:           "vault",
	Short:         "ConsentVault CLI",
	Long:          "A CLI for operating ConsentVault and managing records, consent and audit trails.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			printError(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(vaultCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(consentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sysCmd())
}

func fail(err error) error {
	printError(err.Error())
	return errReported
}

// show prints a single-object response.
func show(result map[string]any, err error) error {
	if err != nil {
		return fail(err)
	}
	printResult(result)
	return nil
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Vault operator commands"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, _ := cmd.Flags().GetInt("shares")
			threshold, _ := cmd.Flags().GetInt("threshold")
			save, _ := cmd.Flags().GetBool("save-token")
			result, err := newClient().post("/v1/sys/init", map[string]any{
				"secret_shares":    shares,
				"secret_threshold": threshold,
			})
			if err != nil {
				return fail(err)
			}
			if tok, ok := result["operator_token"].(string); ok && save {
				cfg.Token = tok
				if err := saveConfig(); err == nil {
					fmt.Fprintln(os.Stderr, "Operator token saved to config.")
				}
			}
			if outputFormat != "table" {
				printResult(result)
				return nil
			}
			keys, _ := result["keys"].([]any)
			for i, k := range keys {
				fmt.Printf("Unseal Key %d: %v\n", i+1, k)
			}
			fmt.Printf("\nOperator Token: %v\n\n", result["operator_token"])
			fmt.Printf("The vault is initialized with %d key shares and a threshold of %d.\n", shares, threshold)
			fmt.Println("Store the keys separately. They are not kept by the server and cannot be recovered.")
			return nil
		},
	}
	initCmd.Flags().Int("shares", 5, "Number of key shares")
	initCmd.Flags().Int("threshold", 3, "Number of shares required to unseal")
	initCmd.Flags().Bool("save-token", true, "Save the operator token to the CLI config")

	unsealCmd := &cobra.Command{
		Use:   "unseal [key]",
		Short: "Provide an unseal key share",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")
			if reset {
				return show(newClient().post("/v1/sys/unseal", map[string]any{"reset": true}))
			}
			var key string
			if len(args) > 0 {
				key = args[0]
			} else {
				fmt.Print("Unseal Key (base64): ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				key = strings.TrimSpace(scanner.Text())
			}
			return show(newClient().post("/v1/sys/unseal", map[string]any{"key": key}))
		},
	}
	unsealCmd.Flags().Bool("reset", false, "Discard collected shares")

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().put("/v1/sys/seal", nil); err != nil {
				return fail(err)
			}
			printSuccess("Success! Vault is sealed.")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show seal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/sys/seal-status", nil))
		},
	}

	cmd.AddCommand(initCmd, unsealCmd, sealCmd, statusCmd)
	return cmd
}

// --- login ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Save a token to the CLI config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				fmt.Print("Token: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				token = strings.TrimSpace(scanner.Text())
			}
			cfg.Token = token
			result, err := newClient().get("/v1/auth/token/lookup-self", nil)
			if err != nil {
				return fail(err)
			}
			if err := saveConfig(); err != nil {
				return fail(err)
			}
			d, _ := result["data"].(map[string]any)
			printSuccess(fmt.Sprintf("Success! Logged in as %v (%v).", d["id"], d["role"]))
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token from the CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = ""
			if err := saveConfig(); err != nil {
				return fail(err)
			}
			printSuccess("Success! Token removed.")
			return nil
		},
	}
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	createCmd := &cobra.Command{
		Use:   "create <principal>",
		Short: "Issue a token for a principal (operator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetString("ttl")
			result, err := newClient().post("/v1/auth/token", map[string]any{
				"principal_id": args[0],
				"ttl":          ttl,
			})
			if err != nil {
				return fail(err)
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("ttl", "", "Token TTL (e.g. 24h)")

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/auth/token/lookup-self", nil))
		},
	}

	cmd.AddCommand(createCmd, lookupCmd)
	return cmd
}

// --- sys ---

func sysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sys", Short: "System maintenance"}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed consent grants now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().post("/v1/sys/sweep", nil))
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/sys/health", nil))
		},
	}

	cmd.AddCommand(sweepCmd, healthCmd)
	return cmd
}

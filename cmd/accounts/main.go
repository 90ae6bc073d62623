// Package main provides the account management CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/account"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/auth"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/storage"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

func main() {
	var credentialFile string

	root := &cobra.Command{
		Use:   "kraken-accounts",
		Short: "Manage the Google accounts used by the gateway",
	}
	root.PersistentFlags().StringVar(&credentialFile, "credentials", config.CredentialFilePath(),
		"Path to the account store")

	openManager := func() (*account.Manager, error) {
		return account.NewManager(storage.NewStore(credentialFile))
	}

	var noBrowser bool
	login := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a Google account and add it to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager()
			if err != nil {
				return err
			}
			return runLogin(cmd.Context(), manager, noBrowser)
		},
	}
	login.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the sign-in URL instead of opening a browser")

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager()
			if err != nil {
				return err
			}
			displayAccounts(manager)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <email>",
		Short: "Remove an account by email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager()
			if err != nil {
				return err
			}
			acct := manager.ByEmail(args[0])
			if acct == nil {
				return fmt.Errorf("no account with email %s", args[0])
			}
			manager.Remove(acct.Index)
			if err := manager.Save(); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that every stored refresh token still works",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager()
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), manager)
		},
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Print the pool as a composite token string",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager()
			if err != nil {
				return err
			}
			if manager.Len() == 0 {
				return fmt.Errorf("no accounts to export")
			}
			fmt.Println(manager.ExportCompositeTokens())
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <tokens>",
		Short: "Import accounts from a composite token string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openManager()
			if err != nil {
				return err
			}
			added := manager.ImportCompositeTokens(args[0])
			if added == 0 {
				return fmt.Errorf("no accounts found in input")
			}
			if err := manager.Save(); err != nil {
				return err
			}
			fmt.Printf("Imported %d account(s)\n", added)
			return nil
		},
	}

	root.AddCommand(login, list, remove, verify, export, importCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLogin(ctx context.Context, manager *account.Manager, noBrowser bool) error {
	loginCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: 30 * time.Second}
	opener := openBrowser
	if noBrowser {
		opener = nil
	}

	result, err := auth.RunLoginFlow(loginCtx, client, opener, true)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	resolver := auth.NewProjectResolver(client)
	tier := resolver.DetectTier(loginCtx, result.Tokens.AccessToken)

	acct := &account.Account{
		Email:        result.Profile.Email,
		Tier:         tier,
		RefreshToken: result.Tokens.RefreshToken,
		AccessToken:  result.Tokens.AccessToken,
		ExpiresAt:    result.Tokens.ExpiresAt(),
	}
	if pc, err := resolver.Resolve(loginCtx, result.Tokens.AccessToken); err == nil {
		acct.ProjectID = pc.ProjectID
		acct.ManagedProjectID = pc.ManagedProjectID
	} else {
		utils.Warn("[Accounts] Project discovery failed (%v), will retry on first request", err)
	}

	manager.Add(acct)
	if err := manager.Save(); err != nil {
		return err
	}

	fmt.Printf("\nAdded %s (%s tier)\n", acct.Email, acct.Tier)
	displayAccounts(manager)
	return nil
}

func runVerify(ctx context.Context, manager *account.Manager) error {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for _, acct := range accounts {
		tokens, err := auth.RefreshAccessToken(ctx, client, acct.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", acct.Email, err)
			continue
		}
		manager.UpdateTokens(acct.Index, tokens)
		fmt.Printf("  ✓ %s\n", acct.Email)
	}
	return manager.Save()
}

func displayAccounts(manager *account.Manager) {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}
	fmt.Printf("%d account(s):\n", len(accounts))
	for i, acct := range accounts {
		label := acct.Email
		if label == "" {
			label = "(imported token)"
		}
		fmt.Printf("  %d. %s [%s]\n", i+1, label, acct.Tier)
	}
}

// openBrowser launches the default browser for url, best effort
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

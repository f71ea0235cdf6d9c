package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberchat/relay/internal/config"
	"github.com/emberchat/relay/internal/domain"
	"github.com/emberchat/relay/internal/identity"
	"github.com/emberchat/relay/internal/store"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue, inspect, or destroy session tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())
	cmd.AddCommand(newTokenInspectCmd())
	cmd.AddCommand(newTokenDestroyCmd())

	return cmd
}

// openTokenService builds the token service for one configured instance,
// sharing the daemon's store file.
func openTokenService(instanceName string) (*identity.Service, func(), error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Instances) == 0 {
		return nil, nil, fmt.Errorf("no instances configured")
	}

	inst := cfg.Instances[0]
	if instanceName != "" {
		found := false
		for _, candidate := range cfg.Instances {
			if candidate.Name == instanceName {
				inst = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("no instance named %q in config", instanceName)
		}
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(paths.Data, "relay.db")
	}
	db, err := store.Open(dbPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	svc := identity.NewService(store.NewTokenStore(db), inst.Namespace,
		time.Duration(inst.TokenTTLMinutes)*time.Minute, log)
	return svc, func() { db.Close() }, nil
}

func newTokenIssueCmd() *cobra.Command {
	var (
		instance    string
		role        string
		appID       string
		userID      string
		displayName string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token",
		Long:  "With --app-id the token is deterministic for the role and application id; with --user-id a fresh random token is issued per call.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openTokenService(instance)
			if err != nil {
				return err
			}
			defer closeStore()

			var id, token string
			switch {
			case appID != "":
				r, ok := domain.ParseRole(role)
				if !ok || r == domain.RoleSystem {
					return fmt.Errorf("--role must be user or agent")
				}
				id, token, err = svc.IssueFixed(r, appID, displayName)
			case userID != "":
				id = svc.Identity(domain.RoleUser, userID)
				token, err = svc.Issue(id, displayName)
			default:
				return fmt.Errorf("either --app-id or --user-id is required")
			}
			if err != nil {
				return err
			}

			rec, _ := svc.Validate(token)
			fmt.Printf("Identity:  %s\n", id)
			fmt.Printf("Token:     %s\n", token)
			fmt.Printf("Expires:   %s\n", rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "instance whose namespace to issue under (default: first configured)")
	cmd.Flags().StringVar(&role, "role", "agent", "role for --app-id tokens (user or agent)")
	cmd.Flags().StringVar(&appID, "app-id", "", "application id for a deterministic token")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id for a random token")
	cmd.Flags().StringVar(&displayName, "name", "", "display name stored with the token")

	return cmd
}

func newTokenInspectCmd() *cobra.Command {
	var instance string

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Show the identity and expiry behind a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openTokenService(instance)
			if err != nil {
				return err
			}
			defer closeStore()

			rec, ok := svc.Validate(args[0])
			if !ok {
				return fmt.Errorf("token is invalid or expired")
			}
			fmt.Printf("Identity:  %s\n", rec.Identity)
			if rec.DisplayName != "" {
				fmt.Printf("Name:      %s\n", rec.DisplayName)
			}
			fmt.Printf("Online:    %v\n", rec.Online)
			fmt.Printf("Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Expires:   %s\n", rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "instance to inspect against (default: first configured)")
	return cmd
}

func newTokenDestroyCmd() *cobra.Command {
	var instance string

	cmd := &cobra.Command{
		Use:   "destroy <token>",
		Short: "Destroy a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openTokenService(instance)
			if err != nil {
				return err
			}
			defer closeStore()

			if !svc.Destroy(args[0]) {
				return fmt.Errorf("token not found")
			}
			fmt.Println("Token destroyed")
			return nil
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "instance to act on (default: first configured)")
	return cmd
}

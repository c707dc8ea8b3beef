package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/bizdesk/internal/config"
	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rcourtman/bizdesk/internal/store"
	"github.com/rcourtman/bizdesk/pkg/access"
	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	"github.com/rcourtman/bizdesk/pkg/identity"
	"github.com/spf13/cobra"
)

var (
	grantOwner    string
	grantServices string
	grantStatus   string
	grantFor      time.Duration

	checkOwner   string
	checkEmail   string
	checkHistory bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the subscription schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, st *store.SQLStore) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Subscription schema is up to date (%s)\n", st.Driver())
			return nil
		})
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Record a subscription for an owner",
	Long: `Insert a subscription record. Records are normally written by the
purchase flow; this command exists for development and support.`,
	Example: `  # Unlock CRM and HRM for a month
  bizdesk grant --owner user-123 --services 1,2 --for 720h

  # Record the full bundle
  bizdesk grant --owner user-123 --services 1,2,3,4,5,6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner := strings.TrimSpace(grantOwner)
		if owner == "" {
			return fmt.Errorf("--owner is required: %w", engerrors.ErrInvalidInput)
		}
		ids, dropped := entitlement.ParseServiceIDs(grantServices)
		if len(dropped) > 0 {
			return fmt.Errorf("--services contains non-numeric ids %v: %w", dropped, engerrors.ErrMalformedServiceIDList)
		}
		for _, id := range ids {
			if !catalog.Valid(id) {
				return fmt.Errorf("--services contains unknown service id %d: %w", id, engerrors.ErrInvalidInput)
			}
		}
		status := entitlement.Status(strings.ToLower(strings.TrimSpace(grantStatus)))
		if !status.Valid() {
			return fmt.Errorf("--status must be active, created or cancelled: %w", engerrors.ErrInvalidInput)
		}

		rec := &entitlement.SubscriptionRecord{
			OwnerID:    owner,
			ServiceIDs: entitlement.FormatServiceIDs(ids),
			Status:     status,
		}
		if grantFor > 0 {
			expires := time.Now().Add(grantFor).UTC()
			rec.ExpiresAt = &expires
		}

		return withStore(cmd.Context(), func(cfg *config.Config, st *store.SQLStore) error {
			if err := st.Insert(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded subscription %s for %s (%s, services %s)\n",
				rec.ID, rec.OwnerID, rec.Status, rec.ServiceIDs)
			return nil
		})
	},
}

var setStatusCmd = &cobra.Command{
	Use:   "set-status <subscription-id> <active|created|cancelled>",
	Short: "Change the status of a subscription record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := entitlement.Status(strings.ToLower(strings.TrimSpace(args[1])))
		return withStore(cmd.Context(), func(cfg *config.Config, st *store.SQLStore) error {
			if err := st.UpdateStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s is now %s\n", args[0], status)
			return nil
		})
	},
}

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "Show which services an owner can open",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner := strings.TrimSpace(checkOwner)
		if owner == "" {
			return fmt.Errorf("--owner is required: %w", engerrors.ErrInvalidInput)
		}

		return withStore(cmd.Context(), func(cfg *config.Config, st *store.SQLStore) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RefreshTimeout)
			defer cancel()

			state, err := resolveFor(ctx, cfg, st, &identity.Principal{ID: owner, Email: checkEmail})
			if err != nil {
				return err
			}

			gate := access.NewGate(access.WithStrictBundle(cfg.StrictBundle))
			out := cmd.OutOrStdout()
			printLockTable(out, gate, state)

			if checkHistory {
				records, err := st.ListSubscriptions(ctx, owner)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				printHistory(out, records)
			}
			return nil
		})
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantOwner, "owner", "", "owner key (principal id)")
	grantCmd.Flags().StringVar(&grantServices, "services", "", "comma separated service ids (1-6)")
	grantCmd.Flags().StringVar(&grantStatus, "status", string(entitlement.StatusActive), "record status")
	grantCmd.Flags().DurationVar(&grantFor, "for", 0, "expire after this duration (0 never expires)")

	entitlementsCmd.Flags().StringVar(&checkOwner, "owner", "", "owner key (principal id)")
	entitlementsCmd.Flags().StringVar(&checkEmail, "email", "", "principal email, used when email fallback is enabled")
	entitlementsCmd.Flags().BoolVar(&checkHistory, "history", false, "also list every record for the owner")

	grantCmd.AddCommand(setStatusCmd)
}

func withStore(ctx context.Context, fn func(cfg *config.Config, st *store.SQLStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	return fn(cfg, st)
}

// resolveFor runs the same identity and entitlement pipeline a web session
// uses and waits for the first resolved state.
func resolveFor(ctx context.Context, cfg *config.Config, st entitlement.Store, p *identity.Principal) (entitlement.State, error) {
	provider := identity.NewStaticProvider(p)
	ids := identity.NewResolver(provider, identity.WithHints(identity.NewMemoryHintStore(), "cli"))
	defer ids.Close()

	ents := entitlement.NewResolver(st,
		entitlement.WithEmailFallback(cfg.EmailFallback),
		entitlement.WithRefreshTimeout(cfg.RefreshTimeout),
	)
	unbind := ents.Bind(ids)
	defer unbind()

	ids.Start(ctx)
	state, err := ents.Await(ctx)
	if err != nil {
		return state, fmt.Errorf("resolve entitlements: %w", err)
	}
	if err := ents.LastError(); err != nil {
		return state, err
	}
	return state, nil
}

func printLockTable(out io.Writer, gate *access.Gate, state entitlement.State) {
	active := "no"
	if state.Active {
		active = "yes"
	}
	fmt.Fprintf(out, "Active: %s\n", active)
	if state.Status != "" {
		fmt.Fprintf(out, "Status: %s\n", state.Status)
	}
	if state.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", state.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERVICE\tACCESS\tROUTE")
	for _, item := range gate.Navigation(state) {
		access := "unlocked"
		if item.Locked {
			access = "locked"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", item.ID, item.Name, access, item.Href)
	}
	_ = tw.Flush()
}

func printHistory(out io.Writer, records []*entitlement.SubscriptionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No subscription records")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tSTATUS\tSERVICES\tCREATED\tEXPIRES")
	for _, rec := range records {
		expires := "never"
		if rec.ExpiresAt != nil {
			expires = rec.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.ServiceIDs, rec.CreatedAt.Format(time.RFC3339), expires)
	}
	_ = tw.Flush()
}

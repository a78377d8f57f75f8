package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nub-live/authflow/records"
	"github.com/nub-live/authflow/session"
	"github.com/spf13/cobra"
)

const anonymousNotice = "You are currently using the app anonymously. Sign in to save your history."

// currentUser waits for the profile page policy to settle and returns the
// session user, which is a guest when nobody signed in.
func currentUser(cmd *cobra.Command, rt *runtime) (*session.User, error) {
	rt.settle(cmd.Context())
	u := rt.engine.Session().Snapshot().User
	if u == nil {
		return nil, errors.New("no session could be established")
	}
	return u, nil
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in profile",
		RunE: withRuntime(profilePage, func(cmd *cobra.Command, rt *runtime) error {
			u, err := currentUser(cmd, rt)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[%s] %s\n", u.Initial(), userLabel(u))
			if u.IsAnonymous {
				fmt.Fprintln(out, anonymousNotice)
				return nil
			}
			if !u.Metadata.CreationTime.IsZero() {
				fmt.Fprintf(out, "Member since %s\n", u.Metadata.CreationTime.Local().Format("January 2, 2006"))
			}
			if u.Email != "" {
				fmt.Fprintf(out, "Email verified: %t\n", u.EmailVerified)
			}
			providers := make([]string, 0, len(u.ProviderData))
			for _, p := range u.ProviderData {
				providers = append(providers, p.ProviderID)
			}
			if len(providers) > 0 {
				fmt.Fprintf(out, "Sign-in methods: %s\n", strings.Join(providers, ", "))
			}
			return nil
		}),
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List the viewing history of the signed-in profile",
		RunE: withRuntime(profilePage, func(cmd *cobra.Command, rt *runtime) error {
			u, err := currentUser(cmd, rt)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if u.IsAnonymous {
				fmt.Fprintln(out, anonymousNotice)
			}

			client := records.New(settings.RecordsURL,
				records.WithLogger(logger),
				records.WithIDToken(func() string {
					if cred := rt.credential(); cred != nil {
						return cred.IDToken
					}
					return ""
				}),
			)
			history, err := client.History(cmd.Context(), u.UID)
			if err != nil {
				logger.Debug().Err(err).Msg("history fetch failed")
				return errors.New(records.LoadFailedMessage)
			}
			if len(history) == 0 {
				fmt.Fprintln(out, "No history yet. Your search and view history will appear here.")
				return nil
			}

			for _, entry := range history {
				when := "Unknown time"
				if at := entry.At(); !at.IsZero() {
					when = at.Local().Format("Jan 2, 2006, 3:04 PM")
				}
				fmt.Fprintln(out, when)
				for _, label := range entry.Affected() {
					fmt.Fprintf(out, "  - %s\n", label)
				}
			}
			return nil
		}),
	}
}

func init() {
	rootCmd.AddCommand(newWhoamiCmd(), newHistoryCmd())
}

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/identity/memory"
	"github.com/nub-live/authflow/session"
	"github.com/spf13/cobra"
)

type credentialFlags struct {
	email         string
	password      string
	passwordStdin bool
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.email, "email", "", "account email")
	cmd.Flags().StringVar(&f.password, "password", "", "account password")
	cmd.Flags().BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
}

func (f *credentialFlags) form(cmd *cobra.Command) (authflow.Form, error) {
	pw := f.password
	if f.passwordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return authflow.Form{}, fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	return authflow.Form{Email: f.email, Password: pw}, nil
}

// withRuntime opens a runtime for the command, runs fn and reports where
// the session observer navigated.
func withRuntime(p page, fn func(cmd *cobra.Command, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, p)
		if err != nil {
			return err
		}
		start := rt.route.Route()

		runErr := fn(cmd, rt)
		rt.close(ctx)

		out := cmd.OutOrStdout()
		if route := rt.route.Route(); route != start {
			fmt.Fprintf(out, "-> %s\n", route)
		}
		if rt.memory != nil {
			printOutbox(out, rt.memory.Outbox())
		}
		return runErr
	}
}

// run executes one flow action and prints its result.
func run(cmd *cobra.Command, rt *runtime, action authflow.ActionTag, form authflow.Form) error {
	res, err := rt.engine.Run(cmd.Context(), action, form)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), rt, res)
	return nil
}

func printResult(out io.Writer, rt *runtime, res *authflow.Result) {
	msg := res.Message
	if msg == "" {
		msg = rt.engine.FlowState().Success
	}
	if msg != "" {
		fmt.Fprintln(out, msg)
	}
	if res.User != nil {
		fmt.Fprintf(out, "Signed in as %s\n", userLabel(res.User))
	}
	if hint := nextHint(res); hint != "" {
		fmt.Fprintln(out, hint)
	}
}

func nextHint(res *authflow.Result) string {
	switch res.Next {
	case authflow.ActionConfirmOTP:
		return "Next: " + appName + " confirm --code <code>"
	case authflow.ActionFederatedSignIn:
		return fmt.Sprintf("Next: %s federated --provider %s, then run reset again", appName, res.Provider)
	case authflow.ActionPasswordReset:
		return "Next: " + appName + " reset --email <email>"
	default:
		return ""
	}
}

func userLabel(u *session.User) string {
	switch {
	case u.IsAnonymous:
		return "a guest (" + u.UID + ")"
	case u.Email != "":
		return u.Email
	case u.PhoneNumber != "":
		return u.PhoneNumber
	default:
		return u.UID
	}
}

func printOutbox(out io.Writer, messages []memory.Message) {
	for _, m := range messages {
		fmt.Fprintf(out, "[outbox] %s to %s: %s\n", m.Kind, m.To, m.Code)
	}
}

func newSignUpCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "sign-up",
		Short: "Create an account with email and password and send the verification email",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			form, err := creds.form(cmd)
			if err != nil {
				return err
			}
			return run(cmd, rt, authflow.ActionPasswordSignUp, form)
		}),
	}
	creds.register(cmd)
	return cmd
}

func newSignInCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "sign-in",
		Short: "Sign in with email and password",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			form, err := creds.form(cmd)
			if err != nil {
				return err
			}
			return run(cmd, rt, authflow.ActionPasswordSignIn, form)
		}),
	}
	creds.register(cmd)
	return cmd
}

func newResendCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Send the email verification again",
		Long:  "Send the email verification again. Without a session, email and password sign in briefly to send it.",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			form, err := creds.form(cmd)
			if err != nil {
				return err
			}
			return run(cmd, rt, authflow.ActionResendVerification, form)
		}),
	}
	creds.register(cmd)
	return cmd
}

func newFederatedCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "federated",
		Short: "Sign in with Google or Facebook",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			return run(cmd, rt, authflow.ActionFederatedSignIn, authflow.Form{Provider: provider})
		}),
	}
	cmd.Flags().StringVar(&provider, "provider", session.ProviderGoogle, "provider id (google.com or facebook.com)")
	cmd.Flags().StringVar(&memoryIdentity, "as", "", "email the in-process platform signs in as (--memory only)")
	return cmd
}

func newPhoneCmd() *cobra.Command {
	var number string
	cmd := &cobra.Command{
		Use:   "phone",
		Short: "Send a sign-in code to a phone number",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			rt.engine.SetChallengeActive(true)
			waitCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if _, err := rt.engine.Challenge().WaitReady(waitCtx); err != nil {
				logger.Debug().Err(err).Msg("challenge not ready, sign-in will retry it")
			}
			return run(cmd, rt, authflow.ActionPhoneSignIn, authflow.Form{PhoneNumber: number})
		}),
	}
	cmd.Flags().StringVar(&number, "number", "", "phone number; numbers without '+' get the country code")
	return cmd
}

func newConfirmCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm the code sent by phone",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			return run(cmd, rt, authflow.ActionConfirmOTP, authflow.Form{OTP: code})
		}),
	}
	cmd.Flags().StringVar(&code, "code", "", "the received code")
	return cmd
}

func newChangePhoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-phone",
		Short: "Abandon the pending phone code so another number can be used",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			if err := rt.engine.ResetPhone(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pending code discarded.")
			return nil
		}),
	}
}

func newResetCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Send a password reset email",
		Long:  "Send a password reset email. Accounts that only use Google or Facebook get a password added first, which needs a federated sign-in with the same email.",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			return run(cmd, rt, authflow.ActionPasswordReset, authflow.Form{Email: email})
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func newSignOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign-out",
		Short: "End the stored session",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			if err := rt.engine.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		}),
	}
}

func newGuestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guest",
		Short: "Continue without signing in",
		RunE: withRuntime(authPage, func(cmd *cobra.Command, rt *runtime) error {
			rt.engine.ContinueAsGuest()
			return nil
		}),
	}
}

func init() {
	rootCmd.AddCommand(
		newSignUpCmd(),
		newSignInCmd(),
		newResendCmd(),
		newFederatedCmd(),
		newPhoneCmd(),
		newConfirmCmd(),
		newChangePhoneCmd(),
		newResetCmd(),
		newSignOutCmd(),
		newGuestCmd(),
	)
}

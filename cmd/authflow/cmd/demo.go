package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/identity/memory"
	"github.com/nub-live/authflow/metrics/export/internaldefs"
	promexport "github.com/nub-live/authflow/metrics/export/prometheus"
	"github.com/nub-live/authflow/session"
	"github.com/spf13/cobra"
)

const (
	demoEmail      = "alice@example.com"
	demoPassword   = "alice-secret"
	demoPhone      = "01712345678"
	demoGoogleUser = "bob@example.com"
	demoNewSecret  = "bob-new-secret"
)

// demo walks every flow against the in-process platform in one engine, since
// memory mode keeps nothing between runs.
type demo struct {
	ctx context.Context
	out io.Writer
	rt  *runtime
}

func (d *demo) step(title string) {
	fmt.Fprintf(d.out, "\n== %s\n", title)
}

func (d *demo) run(action authflow.ActionTag, form authflow.Form) (*authflow.Result, error) {
	fmt.Fprintf(d.out, "> %s\n", action)
	res, err := d.rt.engine.Run(d.ctx, action, form)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", action, describe(err))
	}
	printResult(d.out, d.rt, res)
	return res, nil
}

func (d *demo) signOut() error {
	if err := d.rt.engine.SignOut(d.ctx); err != nil {
		return err
	}
	fmt.Fprintln(d.out, "> signed out")
	return nil
}

func (d *demo) message(kind memory.MessageKind, to string) (string, error) {
	m, ok := d.rt.memory.LastMessage(kind, to)
	if !ok {
		return "", fmt.Errorf("no %s message for %s", kind, to)
	}
	fmt.Fprintf(d.out, "[outbox] %s to %s: %s\n", m.Kind, m.To, m.Code)
	return m.Code, nil
}

func (d *demo) passwordAccount() error {
	d.step("Password sign-up and email verification")
	if _, err := d.run(authflow.ActionPasswordSignUp, authflow.Form{Email: demoEmail, Password: demoPassword}); err != nil {
		return err
	}
	code, err := d.message(memory.KindVerification, demoEmail)
	if err != nil {
		return err
	}
	if err := d.rt.memory.ApplyActionCode(code); err != nil {
		return err
	}

	d.step("Password sign-in")
	if err := d.signOut(); err != nil {
		return err
	}
	if _, err := d.run(authflow.ActionPasswordSignIn, authflow.Form{Email: demoEmail, Password: demoPassword}); err != nil {
		return err
	}
	d.rt.settle(d.ctx)
	fmt.Fprintf(d.out, "-> %s\n", d.rt.route.Route())
	return d.signOut()
}

func (d *demo) phone() error {
	d.step("Phone sign-in")
	d.rt.engine.SetChallengeActive(true)
	defer d.rt.engine.SetChallengeActive(false)

	waitCtx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	if _, err := d.rt.engine.Challenge().WaitReady(waitCtx); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	if _, err := d.run(authflow.ActionPhoneSignIn, authflow.Form{PhoneNumber: demoPhone}); err != nil {
		return err
	}
	code, err := d.message(memory.KindSMS, d.rt.engine.FlowState().PhoneNumber)
	if err != nil {
		return err
	}
	if _, err := d.run(authflow.ActionConfirmOTP, authflow.Form{OTP: code}); err != nil {
		return err
	}
	return d.signOut()
}

func (d *demo) linkPassword() error {
	d.step("Google account without a password")
	memoryIdentity = demoGoogleUser
	if _, err := d.run(authflow.ActionFederatedSignIn, authflow.Form{Provider: session.ProviderGoogle}); err != nil {
		return err
	}
	if err := d.signOut(); err != nil {
		return err
	}

	d.step("Password reset adds a password sign-in")
	if _, err := d.run(authflow.ActionPasswordReset, authflow.Form{Email: demoGoogleUser}); err != nil {
		return err
	}
	if _, err := d.run(authflow.ActionFederatedSignIn, authflow.Form{Provider: session.ProviderGoogle}); err != nil {
		return err
	}
	if _, err := d.run(authflow.ActionPasswordReset, authflow.Form{}); err != nil {
		return err
	}
	code, err := d.message(memory.KindPasswordReset, demoGoogleUser)
	if err != nil {
		return err
	}
	if err := d.rt.memory.ConfirmPasswordReset(code, demoNewSecret); err != nil {
		return err
	}
	if err := d.signOut(); err != nil {
		return err
	}
	_, err = d.run(authflow.ActionPasswordSignIn, authflow.Form{Email: demoGoogleUser, Password: demoNewSecret})
	return err
}

func printCounters(out io.Writer, snap authflow.MetricsSnapshot) {
	fmt.Fprintln(out, "\n== Counters")
	for _, def := range internaldefs.CounterDefs {
		if v := snap.Counters[def.ID]; v > 0 {
			fmt.Fprintf(out, "%-48s %d\n", def.Name, v)
		}
	}
}

// serveMetrics exposes the engine's counters until ctx is done.
func serveMetrics(ctx context.Context, out io.Writer, addr string, engine *authflow.Engine) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promexport.NewCollector(engine).Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(out, "\nServing metrics on http://%s/metrics until interrupted\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "demo",
		Short:       "Walk through every flow against the in-process platform",
		Annotations: map[string]string{memoryOnly: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, authPage)
			if err != nil {
				return err
			}

			d := &demo{ctx: ctx, out: cmd.OutOrStdout(), rt: rt}
			for _, part := range []func() error{d.passwordAccount, d.phone, d.linkPassword} {
				if err = part(); err != nil {
					break
				}
			}
			rt.close(ctx)
			if err != nil {
				return err
			}

			printCounters(d.out, rt.engine.MetricsSnapshot())
			if settings.MetricsAddr != "" {
				return serveMetrics(ctx, d.out, settings.MetricsAddr, rt.engine)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&settings.MetricsAddr, "metrics-addr", settings.MetricsAddr, "serve Prometheus metrics on this address after the walk-through")
	return cmd
}

func init() {
	rootCmd.AddCommand(newDemoCmd())
}

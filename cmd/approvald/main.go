// Command approvald runs the approval engine's background services: the
// escalation and expiry sweeper and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/approval-engine/catalog"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "approvald",
		Short:         "Approval workflow engine for invoices, credit notes and quotes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default: ./approvals.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newSweepCmd(&configPath),
		newValidateCmd(&configPath),
		newSummaryCmd(&configPath),
	)
	return root
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logger(nil)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic sweeper and expose /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			server := &http.Server{
				Addr:              a.cfg.Metrics.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			serverErr := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", server.Addr).Msg("metrics server listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			scheduler := workflow.NewScheduler(a.engine,
				a.cfg.Scheduler.FirstRunDelay,
				a.cfg.Scheduler.Interval,
				a.cfg.Scheduler.Retention,
				a.log,
			)
			done := make(chan struct{})
			go func() {
				defer close(done)
				scheduler.Run(ctx)
			}()

			select {
			case <-ctx.Done():
			case err = <-serverErr:
				a.log.Error().Err(err).Msg("metrics server failed")
				stop()
			}
			<-done

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
				a.log.Warn().Err(shutdownErr).Msg("metrics server shutdown")
			}
			a.log.Info().Msg("approvald stopped")
			return err
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation and expiry pass and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			results, sweepErr := a.engine.Sweep(cmd.Context(), now)
			out := cmd.OutOrStdout()
			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(out, "%d\t%s\t%v\n", r.RequestID, r.Action, r.Err)
					continue
				}
				fmt.Fprintf(out, "%d\t%s\n", r.RequestID, r.Action)
			}
			return sweepErr
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Evaluate deadlines as of this RFC3339 time instead of now")
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the workflow definitions declared in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			cat := catalog.New(nil)
			out := cmd.OutOrStdout()
			var errs []error
			for _, def := range cfg.Definitions() {
				if _, err := cat.Register(cmd.Context(), def); err != nil {
					fmt.Fprintf(out, "FAIL\t%d\t%s\t%v\n", def.ID, def.Name, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "ok\t%d\t%s\n", def.ID, def.Name)
			}
			return errors.Join(errs...)
		},
	}
}

func newSummaryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print finalized request counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.engine.Summary(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved=%d rejected=%d cancelled=%d expired=%d\n",
				s.Approved, s.Rejected, s.Cancelled, s.Expired)
			return nil
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/synckit"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
	"github.com/c0deZ3R0/go-offline-kit/transport/httptransport"
	"github.com/c0deZ3R0/go-offline-kit/worker"
)

// DrainResult is the output of the drain command.
type DrainResult struct {
	worker.Report
	Stats synckit.Stats `json:"stats"`
}

func (o *RootOptions) endpoint(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if o.Config.Worker.Endpoint != "" {
		return o.Config.Worker.Endpoint, nil
	}
	return "", WrapExitError(ExitCommandError, "invalid flags",
		fmt.Errorf("no endpoint: pass --endpoint or set worker.endpoint or %s", config.EnvEndpoint))
}

func (o *RootOptions) newWorker(e *synckit.Engine, endpoint string, sink telemetry.Sink) (*worker.Worker, error) {
	wopts := synckit.WorkerOptions(o.Config)
	client, err := httptransport.NewClient(endpoint,
		httptransport.WithTimeout(wopts.RequestTimeout),
		httptransport.WithLogger(o.Logger),
		httptransport.WithTelemetry(sink),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid endpoint", err)
	}
	return e.NewWorker(client, wopts), nil
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Push every due op once and exit",
		Long: `Run one worker pass: due ops are sent to the endpoint, failures are
rescheduled with backoff and ops out of attempts are quarantined.

Examples:
  offlinesync drain --endpoint https://api.example.com/sync
  OFFLINE_SYNC_ENDPOINT=https://api.example.com/sync offlinesync drain --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := opts.endpoint(endpoint)
			if err != nil {
				return opts.fail(cmd, err)
			}
			return withEngine(cmd, opts, func(ctx context.Context, e *synckit.Engine) error {
				w, err := opts.newWorker(e, url, nil)
				if err != nil {
					return err
				}
				report, err := w.Drain(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "drain failed", err)
				}
				stats, err := e.Stats(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read stats", err)
				}
				res := DrainResult{Report: report, Stats: stats}
				return opts.out(cmd).result(res, func(w io.Writer) error {
					fmt.Fprintf(w, "sent\t%d\n", report.Sent)
					fmt.Fprintf(w, "requeued\t%d\n", report.Requeued)
					fmt.Fprintf(w, "quarantined\t%d\n", report.Quarantined)
					fmt.Fprintf(w, "conflicts\t%d (%d discarded)\n", report.Conflicts, report.Discarded)
					fmt.Fprintf(w, "skipped\t%d\n", report.Skipped)
					fmt.Fprintf(w, "still pending\t%d\n", stats.Pending)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "backend base URL (default worker.endpoint)")
	return cmd
}

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var (
		endpoint    string
		metricsAddr string
		interval    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the queue continuously until interrupted",
		Long: `Run the sync worker every interval until SIGINT or SIGTERM. With
--metrics-addr, or telemetry.prometheus in the config, Prometheus metrics are
served on /metrics. When --config is given the file is watched and the log
level follows it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := opts.endpoint(endpoint)
			if err != nil {
				return opts.fail(cmd, err)
			}
			if interval <= 0 {
				interval = time.Duration(opts.Config.Worker.Interval)
			}
			if metricsAddr == "" && opts.Config.Telemetry.Prometheus {
				metricsAddr = opts.Config.Telemetry.ListenAddr
			}
			if err := runWorker(cmd, opts, url, metricsAddr, interval); err != nil {
				return opts.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "backend base URL (default worker.endpoint)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between passes (default worker.interval)")
	return cmd
}

func runWorker(cmd *cobra.Command, opts *RootOptions, url, metricsAddr string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink telemetry.Sink
	var metricsHandler http.Handler
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := telemetry.NewPrometheus(opts.Config.Telemetry.Namespace, reg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to register metrics", err)
		}
		sink = prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	e, err := opts.openEngine(ctx, sink)
	if err != nil {
		return err
	}
	defer e.Close()
	w, err := opts.newWorker(e, url, sink)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		serve(gctx, g, opts.Logger, &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	if opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opts.ConfigPath, opts.Logger, func(cfg *config.Config) {
				if opts.Verbose {
					return
				}
				if opts.Level.SetFromString(cfg.Logging.Level) {
					opts.Logger.Info("log level reloaded", slog.String("level", cfg.Logging.Level))
				}
			})
		})
	}
	g.Go(func() error {
		opts.Logger.Info("worker started", slog.String("endpoint", url), slog.Duration("interval", interval))
		return w.Run(gctx, interval)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "worker stopped", err)
	}
	opts.Logger.Info("worker stopped")
	return nil
}

// serve runs srv in g and shuts it down when ctx is done.
func serve(ctx context.Context, g *errgroup.Group, logger *slog.Logger, srv *http.Server) {
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory reference backend",
		Long: `Serve the push protocol from memory for local development: pushes are
applied per entity version, replays of an idempotency key are acknowledged
without effect and stale versions are answered with 409.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			serve(gctx, g, opts.Logger, &http.Server{
				Addr:              addr,
				Handler:           httptransport.NewHandler(opts.Logger),
				ReadHeaderTimeout: 5 * time.Second,
			})
			if err := g.Wait(); err != nil {
				return opts.fail(cmd, WrapExitError(ExitCommandError, "server failed", err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

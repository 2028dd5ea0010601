package commands

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-hub/internal/metrics"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Metrics listen address (default: metrics_addr)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [server...]",
	Short: "Autostart servers and expose metrics",
	Long: `Start the named servers, or every server, without prompting, keep them
running and serve Prometheus metrics on /metrics until interrupted. Servers
that need a trust or input prompt are reported and left stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), func(a *app) error {
			addr := serveAddr
			if addr == "" {
				addr = a.cfg.MetricsAddr
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return errors.Wrapf(err, "listening on %s", addr)
			}
			return runServe(cmd.Context(), a, ln, args)
		})
	},
}

func runServe(ctx context.Context, a *app, ln net.Listener, args []string) error {
	refs, err := resolveRefs(a.registry.Collections().Get(), args)
	if err != nil {
		_ = ln.Close()
		return err
	}

	res := a.registry.Autostart(ctx, refs)
	a.logger.Info("autostart finished",
		"started", len(res.Started),
		"needs_interaction", len(res.NeedsInteraction),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed))
	for _, ref := range res.NeedsInteraction {
		a.logger.Warn("server needs interaction, run mcphub start to resolve it", "server", ref.String())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ln)
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	select {
	case err := <-errs:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down metrics server")
	}
	return nil
}

// Command ftpd serves a directory over FTP, with optional explicit FTPS.
//
//	ftpd --root /srv/ftp --listen 0.0.0.0:2121 --user alice:secret
//	ftpd --config /etc/ftpd.json --log-level debug
package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/ftpd/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := defaultConfig()
	var configPath string
	var users []string

	cmd := &cobra.Command{
		Use:          "ftpd",
		Short:        "Serve a directory over FTP",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(configPath, cmd.Flags(), flags, users)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	addFlags(cmd.Flags(), &flags, &configPath, &users)
	return cmd
}

// listenNetwork keeps IPv4 and IPv6 wildcard endpoints apart, so that
// "0.0.0.0:21" and "[::]:21" can both be bound.
func listenNetwork(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "tcp"
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return "tcp"
	case ip.To4() != nil:
		return "tcp4"
	}
	return "tcp6"
}

// run serves every configured endpoint with one Server until ctx is
// cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg Config, logOutput io.Writer) error {
	logger, err := newLogger(cfg, logOutput)
	if err != nil {
		return err
	}

	opts, closer, err := cfg.serverOptions(logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := server.NewServer(cfg.Listen[0], opts...)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ln, err := lc.Listen(ctx, listenNetwork(addr), addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return errors.Wrapf(err, "failed to listen on %s", addr)
		}
		logger.Info("server_listening", "addr", ln.Addr().String())
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		g.Go(func() error {
			err := srv.Serve(gctx, ln)
			if errors.Is(err, server.ErrServerClosed) {
				return nil
			}
			return errors.Wrapf(err, "serve %s", ln.Addr())
		})
	}
	go reportClients(gctx, srv, logger)

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	logger.Info("server_stopping", "clients", len(srv.ConnectedClients()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "shutdown"))
	}
	logger.Info("server_stopped")
	return result.ErrorOrNil()
}

// reportClients logs the connected clients whenever a report signal
// arrives.
func reportClients(ctx context.Context, srv *server.Server, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	notifyReport(ch)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			clients := srv.ConnectedClients()
			addrs := make([]string, 0, len(clients))
			for _, c := range clients {
				addrs = append(addrs, c.String())
			}
			logger.Info("connected_clients", "count", len(addrs), "clients", addrs)
		}
	}
}

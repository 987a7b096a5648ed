package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshchat/crypto"
	"meshchat/models"
)

const shutdownTimeout = 3 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node with an interactive console",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := openNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := n.Close(); err != nil {
					logger.Warn("close node", zap.Error(err))
				}
			}()

			console := newREPL(cfg.UserID, n.router, n.ledger, n.directory, cmd.OutOrStdout())
			n.router.AddListener(console.listener())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := n.router.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case err, ok := <-n.transport.Errors():
						if !ok {
							return nil
						}
						logger.Debug("transport error", zap.Error(err))
					}
				}
			})
			if metricsAddr != "" {
				serveMetrics(gctx, g, metricsAddr, n.metrics.Handler(), logger)
			}
			if cfg.Discovery {
				if events := n.startDiscovery(); events != nil {
					g.Go(func() error {
						for {
							select {
							case <-gctx.Done():
								return nil
							case event, ok := <-events:
								if !ok {
									return nil
								}
								n.applyDiscovery(gctx, event)
							}
						}
					})
				}
			}

			if err := n.router.AnnouncePresence(ctx, models.PeerOnline); err != nil {
				logger.Info("presence announcement incomplete", zap.Error(err))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User ID:      %s\n", cfg.UserID)
			fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(n.identity.PublicKey)))
			fmt.Fprintf(out, "Listening:    %s\n", n.transport.Addr())
			fmt.Fprintf(out, "Config File:  %s\n", cfgPath)
			fmt.Fprintln(out, "Type /help for commands.")

			g.Go(func() error {
				defer stop()
				return console.Run(gctx, cmd.InOrStdin())
			})
			runErr := g.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := n.router.AnnouncePresence(shutdownCtx, models.PeerOffline); err != nil {
				logger.Debug("offline announcement incomplete", zap.Error(err))
			}
			return runErr
		},
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

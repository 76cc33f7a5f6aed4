// Package main provides the sylon-mockserver binary, a local collector and
// artifact host for trying the agent without a real backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NilsIgris/sylon/internal/mockserver"
	"github.com/NilsIgris/sylon/internal/otel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr         string
		apiKey       string
		artifactPath string
		exporter     string
	)

	cmd := &cobra.Command{
		Use:          "sylon-mockserver",
		Short:        "Serve a mock telemetry collector and update artifact",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := mockserver.DefaultConfig()
			config.Addr = addr
			config.APIKey = apiKey
			if artifactPath != "" {
				data, err := os.ReadFile(artifactPath)
				if err != nil {
					return fmt.Errorf("failed to read artifact: %w", err)
				}
				config.Artifact = data
			}

			providers, err := otel.Setup(cmd.Context(), otel.Options{Exporter: exporter})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = providers.Shutdown(ctx)
			}()
			config.Tracer = providers.Tracer

			server := mockserver.New(config)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start mock server: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Mock collector listening on %s\n", server.Addr())
			fmt.Fprintf(out, "endpoint: %s\n", server.IngestURL())
			fmt.Fprintf(out, "remote_code_url: %s\n", server.ArtifactURL())
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Fprintf(out, "\nShutting down after %d ingest requests...\n", server.IngestRequests())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Stop(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":3000", "HTTP listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "expected bearer credential (empty accepts any)")
	cmd.Flags().StringVar(&artifactPath, "artifact", "", "file served at /artifact")
	cmd.Flags().StringVar(&exporter, "trace-exporter", "none", "span exporter for incoming trace context (none, stdout, otlp-grpc, otlp-http)")
	return cmd
}

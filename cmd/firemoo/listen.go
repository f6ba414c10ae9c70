package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/firemoo/firemoo-go"
	"github.com/firemoo/firemoo-go/internal/fakeserver"
	"github.com/firemoo/firemoo-go/realtime"
)

func newListenCommand() *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print realtime events until interrupted",
		Long:  "Connects the realtime socket, subscribes the firestore channel and any --channel given, and prints every event.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sock, err := client.Websocket(ctx)
			if err != nil {
				return err
			}
			defer sock.Close()

			out := cmd.OutOrStdout()
			printEvent := func(ev realtime.Event) {
				if ev.Channel != "" {
					fmt.Fprintf(out, "%s %s %s\n", ev.Name, ev.Channel, ev.Data)
					return
				}
				fmt.Fprintf(out, "%s %s\n", ev.Name, ev.Data)
			}
			for _, name := range []string{
				firemoo.EventConnected,
				firemoo.EventDisconnected,
				firemoo.EventError,
				realtime.TopicChannelEvent,
				realtime.TopicSystemEvent,
				realtime.TopicFirestore,
				realtime.TopicMessage,
			} {
				sock.On(name, printEvent)
			}
			for _, ch := range channels {
				if err := sock.Subscribe(ctx, ch); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "extra channel to subscribe (repeatable)")
	return cmd
}

func newDevServerCommand() *cobra.Command {
	var (
		addr   string
		apiKey string
	)
	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run an in-memory chat and database backend for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &http.Server{
				Addr:              addr,
				Handler:           fakeserver.New(apiKey, fakeserver.WithLogger(log.With().Str("component", "dev-server").Logger())),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			eg, ctx := errgroup.WithContext(ctx)

			eg.Go(func() error {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				defer signal.Stop(sigChan)
				select {
				case <-sigChan:
					log.Info().Msg("received interrupt signal, shutting down gracefully")
				case <-ctx.Done():
				}
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("server shutdown error")
				}
				return nil
			})
			eg.Go(func() error {
				defer cancel()
				log.Info().Str("addr", addr).Str("api_key", apiKey).Msg("dev server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "listen")
				}
				return nil
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&apiKey, "dev-api-key", "dev", "API key the server accepts")
	return cmd
}

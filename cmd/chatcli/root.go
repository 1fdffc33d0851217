package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/client"
	"github.com/MegaGrindStone/chat-relay/internal/services"
	"github.com/MegaGrindStone/chat-relay/internal/session"
	"github.com/spf13/cobra"
)

var (
	relayURL  string
	storePath string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Chat with a generation backend through a relay",
	Long: `Chat with a generation backend through a relay.

Replies are printed as they stream in. When the relay cannot stream, the
whole reply is fetched and revealed word by word instead. Press Ctrl-C
while a reply is arriving to stop it and keep what was received.`,
	SilenceUsage: true,
}

func init() {
	defaultRelay := os.Getenv("CHATRELAY_URL")
	if defaultRelay == "" {
		defaultRelay = "http://127.0.0.1:8080"
	}

	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", defaultRelay, "relay base URL")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "thread store file (default <config dir>/chatrelay/cli.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log diagnostics to stderr")
}

// openSession opens the local store and restores the session from it. The returned close function
// stops any generation and closes the store.
func openSession(ctx context.Context, opts ...session.Option) (*session.Session, func(), error) {
	path := storePath
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return nil, nil, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "chatrelay", "cli.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("error creating store directory: %w", err)
	}

	store, err := services.NewBoltDB(path)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = io.Discard
	if verbose {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))

	opts = append([]session.Option{session.WithLogger(logger)}, opts...)
	sess := session.New(client.New(relayURL, nil), store, opts...)

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sess.Load(loadCtx); err != nil {
		_ = sess.Close()
		_ = store.Close()
		return nil, nil, err
	}

	return sess, func() {
		_ = sess.Close()
		_ = store.Close()
	}, nil
}

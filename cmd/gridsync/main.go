package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Michael-24-wall/gridsync/internal/auth"
	"github.com/Michael-24-wall/gridsync/internal/channel"
	"github.com/Michael-24-wall/gridsync/internal/grid"
	"github.com/Michael-24-wall/gridsync/internal/persist"
	"github.com/Michael-24-wall/gridsync/internal/session"
	"github.com/Michael-24-wall/gridsync/internal/wire"
)

type cliOptions struct {
	apiURL    string
	syncURL   string
	token     string
	tokenFile string
	debounce  time.Duration
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "gridsync",
		Short:         "Collaborative spreadsheet sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api", "http://127.0.0.1:8080", "REST API base URL")
	cmd.PersistentFlags().StringVar(&opts.syncURL, "sync", "ws://127.0.0.1:8080", "sync server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token")
	cmd.PersistentFlags().StringVar(&opts.tokenFile, "token-file", "", "path to a file holding the bearer token")
	cmd.PersistentFlags().DurationVar(&opts.debounce, "debounce", 0, "persistence debounce window (default 1s)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newCreateCmd(opts))
	cmd.AddCommand(newEditCmd(opts))
	cmd.AddCommand(newTailCmd(opts))
	return cmd
}

func newCreateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a spreadsheet on the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			token, err := resolveToken(opts)
			if err != nil {
				return err
			}
			client := persist.NewClient(opts.apiURL, token, nil)
			view, err := client.CreateSpreadsheet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spreadsheet %s\n", view.ID)
			for _, sheet := range view.Sheets {
				fmt.Fprintf(cmd.OutOrStdout(), "  sheet %s %q\n", sheet.ID, sheet.Title)
			}
			return nil
		},
	}
}

func newEditCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <spreadsheet-id> <row> <column> <value>",
		Short: "Write a cell and wait for it to persist",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid row %q: %w", args[1], err)
			}
			column, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid column %q: %w", args[2], err)
			}

			logger, err := buildLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			sess, err := openSession(opts, logger, nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := sess.Open(ctx, args[0]); err != nil {
				return err
			}
			defer sess.Close()

			value, formula := args[3], ""
			if len(value) > 0 && value[0] == '=' {
				value, formula = "", args[3]
			}
			if err := sess.Pipeline().Edit(ctx, row, column, value, formula); err != nil {
				return err
			}
			return sess.Pipeline().Flush(ctx)
		},
	}
}

func newTailCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <spreadsheet-id>",
		Short: "Follow live events on a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			out := cmd.OutOrStdout()
			sess, err := openSession(opts, logger, func(ev wire.Event) {
				printEvent(out, ev)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sess.Open(ctx, args[0]); err != nil {
				return err
			}
			defer sess.Close()

			fmt.Fprintf(out, "following %s, ctrl-c to stop\n", args[0])
			<-ctx.Done()
			return nil
		},
	}
}

func openSession(opts *cliOptions, logger *zap.Logger, onEvent func(wire.Event)) (*session.Session, error) {
	tokens, err := tokenSource(opts)
	if err != nil {
		return nil, err
	}
	token, err := tokens.Token()
	if err != nil {
		return nil, err
	}
	ch := channel.New(channel.Config{
		Endpoint: opts.syncURL,
		Tokens:   tokens,
		Logger:   logger,
	})
	return session.New(session.Options{
		Service:  persist.NewClient(opts.apiURL, token, nil),
		Channel:  ch,
		Debounce: opts.debounce,
		OnEvent:  onEvent,
		OnPersistError: func(key grid.Key, err error) {
			logger.Warn("cell write rolled back",
				zap.String("cell", key.String()),
				zap.Error(err))
		},
		OnChannelError: func(err error) {
			logger.Error("sync channel failed", zap.Error(err))
		},
		Logger: logger,
	}), nil
}

func printEvent(out io.Writer, ev wire.Event) {
	switch e := ev.(type) {
	case wire.CellUpdate:
		value := ""
		if e.Value != nil {
			value = *e.Value
		}
		if e.Formula != nil {
			value = *e.Formula
		}
		fmt.Fprintf(out, "cell %d:%d = %q\n", e.Row, e.Column, value)
	case wire.UserJoined:
		fmt.Fprintf(out, "joined %s (%s)\n", e.Username, e.UserID)
	case wire.UserLeft:
		fmt.Fprintf(out, "left %s\n", e.UserID)
	case wire.CursorMove:
		fmt.Fprintf(out, "cursor %s at %s\n", e.CellID, e.Position)
	case wire.SelectionChange:
		fmt.Fprintf(out, "selection %s\n", e.Selection)
	case wire.SheetOperation:
		fmt.Fprintf(out, "sheet operation %s\n", e.Operation)
	}
}

func tokenSource(opts *cliOptions) (auth.TokenSource, error) {
	if opts.tokenFile != "" {
		return auth.NewFileTokenSource(opts.tokenFile)
	}
	if opts.token != "" {
		return auth.StaticToken(opts.token), nil
	}
	if env := os.Getenv("GRIDSYNC_TOKEN"); env != "" {
		return auth.StaticToken(env), nil
	}
	return nil, auth.ErrNoCredential
}

func resolveToken(opts *cliOptions) (string, error) {
	tokens, err := tokenSource(opts)
	if err != nil {
		return "", err
	}
	return tokens.Token()
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return config.Build()
}

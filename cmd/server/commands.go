package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/presence-chat/internal/config"
	"github.com/Tyrowin/presence-chat/internal/credential"
	"github.com/Tyrowin/presence-chat/internal/logging"
	"github.com/Tyrowin/presence-chat/internal/server"
)

// serveOptions holds flags that override the environment configuration.
type serveOptions struct {
	Port   string
	DBPath string
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chatd",
		Short:        "Presence chat server",
		Long:         "A session-gated chat backend that keeps users, foods and orders and broadcasts who is online over WebSockets.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newHashPasswordCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the chat server until SIGINT or SIGTERM.

Settings are read from CHAT_-prefixed environment variables (CHAT_PORT,
CHAT_DB_PATH, CHAT_JWT_SECRET, ...). Records are kept in memory unless a
database path is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = opts.Port
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = opts.DBPath
			}
			cfg = config.Sanitize(cfg)

			logger := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			logger.Info("starting presence chat server", "port", cfg.Port, "allowed_origins", cfg.AllowedOrigins)

			app, err := server.NewApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Run(ctx); err != nil {
				logger.Error("server stopped with error", "error", err)
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Port, "port", "p", "", "listen address, overrides CHAT_PORT")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path, overrides CHAT_DB_PATH")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password",
		Long:  "Print the bcrypt hash of a password. The password is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, args)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("cost") {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				cost = cfg.BcryptCost
			}

			verifier, err := credential.NewVerifier(cost)
			if err != nil {
				return err
			}
			hash, err := verifier.Hash(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}

	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost, defaults to CHAT_BCRYPT_COST")
	return cmd
}

func readPassword(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required")
	}
	return password, nil
}

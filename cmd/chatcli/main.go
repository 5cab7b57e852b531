package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pointchat/internal/cli"
	"pointchat/internal/config"
	clog "pointchat/internal/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "chatcli",
		Short:        "Terminal client for pointchat",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to CONFIG_PATH or env)")

	// withApp 负责加载配置、初始化日志并在命令结束后释放资源。
	withApp := func(run func(cmd *cobra.Command, app *cli.App) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// 终端被聊天内容占用，日志写到 stderr
			logger := clog.InitTo(os.Stderr, cfg.Env, cfg.LogLevel)
			if cfg.Env == "dev" && cfg.LogLevel == "info" {
				logger = logger.Level(zerolog.WarnLevel)
			}
			app, err := cli.NewApp(cmd.Context(), cfg.Client, logger, os.Stdin, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer app.Close()
			return run(cmd, app)
		}
	}

	var username string
	login := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the access token locally",
		RunE: withApp(func(cmd *cobra.Command, app *cli.App) error {
			_, err := app.Login(cmd.Context(), username)
			return err
		}),
	}
	register := &cobra.Command{
		Use:   "register",
		Short: "Create a user account and log in",
		RunE: withApp(func(cmd *cobra.Command, app *cli.App) error {
			_, err := app.Register(cmd.Context(), username)
			return err
		}),
	}
	logout := &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget the stored token",
		RunE: withApp(func(cmd *cobra.Command, app *cli.App) error {
			return app.Logout(cmd.Context())
		}),
	}
	chat := &cobra.Command{
		Use:   "chat",
		Short: "Open the realtime conversation",
		Long:  "Open the realtime conversation. Regular users talk to the admin; admins pick a user with /open <id>.",
		RunE: withApp(func(cmd *cobra.Command, app *cli.App) error {
			id, err := app.StoredIdentity(cmd.Context())
			if username != "" || errors.Is(err, cli.ErrNotLoggedIn) {
				id, err = app.Login(cmd.Context(), username)
			}
			if err != nil {
				return err
			}
			return app.Chat(cmd.Context(), id)
		}),
	}
	for _, c := range []*cobra.Command{login, register, chat} {
		c.Flags().StringVarP(&username, "username", "u", "", "account name (prompted when empty)")
	}
	root.AddCommand(login, register, logout, chat)
	return root
}

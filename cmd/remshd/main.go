package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"remsh/config"
	"remsh/server"
)

func main() {
	app := &cli.App{
		Name:  "remshd",
		Usage: "the remote shell daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the shell protocol listener. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "status-addr",
				Usage: "The address for the status HTTP listener. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			if addr := ctx.String("listen-addr"); addr != "" {
				cfg.Server.ListenAddr = addr
			}
			if addr := ctx.String("status-addr"); addr != "" {
				cfg.Server.StatusAddr = addr
			}

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logCfg := zap.NewDevelopmentConfig()
			logCfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := logCfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, server.WithLogger(logger))
			return srv.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

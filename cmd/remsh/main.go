package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"remsh/client"
	"remsh/config"
	"remsh/session"
	"remsh/wire"
)

func main() {
	app := &cli.App{
		Name:  "remsh",
		Usage: "interactive client for the remote shell daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "The daemon's shell protocol address.",
				Value: "127.0.0.1:5000",
			},
			&cli.StringFlag{
				Name:  "ws-url",
				Usage: "Connect over WebSocket at this URL instead of TCP.",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file.",
			},
			&cli.BoolFlag{
				Name:  "encrypt",
				Usage: "Switch the channel to encrypted mode right after connecting.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Action: runShell,
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "query a daemon's status API for live sessions",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status-url",
						Usage: "The daemon's status API base URL.",
						Value: "http://127.0.0.1:5001",
					},
				},
				Action: runStatus,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runShell(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	encrypt := cfg.Shell.Encrypt || ctx.Bool("encrypt")

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

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithKeySize(cfg.Security.RSAKeySize),
		client.WithAESKeySize(cfg.Security.AESKeySize),
	}

	var c *client.Client
	addr := ctx.String("addr")
	if wsURL := ctx.String("ws-url"); wsURL != "" {
		addr = wsURL
		c, err = client.DialWS(ctx.Context, wsURL, opts...)
	} else {
		c, err = client.Dial(addr, opts...)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	banner, err := cfg.Shell.WelcomeBanner(addr)
	if err != nil {
		return err
	}
	fmt.Println(banner)

	if encrypt {
		if _, err := c.Execute(session.ControlPrefix + " mode.encrypt"); err != nil {
			return fmt.Errorf("switching to encrypted mode: %w", err)
		}
	} else {
		fmt.Println("Warning: insecure context. Use the #: mode.encrypt metacommand to encrypt this channel.")
	}

	return repl(c, bufio.NewScanner(os.Stdin), os.Stdout)
}

// repl runs the interactive loop: prompt, optional continuation lines,
// submit, then feed input-request rounds until the command settles.
func repl(c *client.Client, in *bufio.Scanner, out io.Writer) error {
	for {
		fmt.Fprint(out, ">>> ")
		if !in.Scan() {
			return in.Err()
		}
		stmt := strings.TrimSpace(in.Text())
		if stmt == "" {
			continue
		}
		for strings.HasSuffix(stmt, "\\") || strings.HasSuffix(stmt, ":") {
			fmt.Fprint(out, "... ")
			if !in.Scan() {
				return in.Err()
			}
			line := in.Text()
			if strings.TrimSpace(line) == "" {
				break
			}
			stmt += "\n" + line
		}

		res, err := c.Execute(stmt)
		for err == nil && res.Success && res.InputRequested {
			fmt.Fprint(out, res.Stdout)
			if !in.Scan() {
				return in.Err()
			}
			res, err = c.SendLine(in.Text())
		}
		if errors.Is(err, wire.ErrClosed) {
			// Clean shutdown: the exit metacommand closes the connection
			// without a response.
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Fprint(out, res.Stdout)
		if !res.Success {
			fmt.Fprintf(out, "%s Remote Error Occurred %s\n\n%s\n", strings.Repeat("=", 10), strings.Repeat("=", 10), res.Error)
		} else if len(res.Data) > 0 && string(res.Data) != "null" {
			fmt.Fprintln(out, string(res.Data))
		}
	}
}

func runStatus(ctx *cli.Context) error {
	sessions, err := client.Sessions(context.Background(), ctx.String("status-url"))
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no live sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-21s  %-9s  started %s  peer %s\n",
			s.ID, s.RemoteAddr, s.Mode, s.StartedAt.Format("15:04:05"), s.PeerFingerprint[:16])
	}
	return nil
}

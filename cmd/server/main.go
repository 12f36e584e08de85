package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/Tyrowin/gorelay/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "gorelay"
	app.Usage = "multi-client TCP broadcast relay with abuse controls"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "Path to TOML config file",
		},
		cli.IntFlag{
			Name:  "port,p",
			Usage: "TCP port to listen on",
		},
		cli.StringFlag{
			Name:  "http",
			Usage: "Enable the WebSocket ingress on this address (e.g. :8080)",
		},
		cli.BoolFlag{
			Name:  "no-redact",
			Usage: "Log client addresses in the clear",
		},
		cli.BoolFlag{
			Name:  "debug,d",
			Usage: "Enable debug output",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	server.InitLogging(c.Bool("debug"))

	cfg := server.NewConfigFromEnv()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return err
		}
	}
	if port := c.Int("port"); port != 0 {
		cfg.Port = port
	}
	if addr := c.String("http"); addr != "" {
		cfg.HTTPPort = addr
	}
	if c.Bool("no-redact") {
		cfg.SafeMode = false
	}
	server.SetConfig(cfg)

	hub := server.NewHub()
	go hub.Run()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go hub.Bans().RunSweeper(sweepCtx, cfg.SweepInterval)

	listener, err := server.NewListener(hub, fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	go func() {
		if err := listener.Serve(); err != nil {
			log.Errorf("Listener stopped: %v", err)
		}
	}()

	var httpServer *http.Server
	if cfg.HTTPPort != "" {
		httpServer = server.CreateServer(cfg.HTTPPort, server.SetupRoutes(hub))
		go func() {
			if err := server.StartServer(httpServer); err != nil && err != http.ErrServerClosed {
				log.Errorf("HTTP ingress stopped: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("Shutting down...")

	// Stop taking new connections first, then drain the rest.
	if err := listener.Close(); err != nil {
		log.Errorf("Error closing listener: %v", err)
	}
	if httpServer != nil {
		if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
			log.Errorf("HTTP ingress shutdown failed: %v", err)
		}
	}
	stopSweeper()
	return hub.Shutdown(shutdownTimeout)
}

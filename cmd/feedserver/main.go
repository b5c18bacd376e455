// feedserver serves a signed measurement feed over HTTP for clients to
// refresh their trust stores from.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/primevault/vaultlink/cmd/flags"
	"github.com/primevault/vaultlink/feedserver"
)

var serveFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:     "feed-file",
		Required: true,
		Usage:    "signed feed document produced by feedsign",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}, flags.LoggingFlags...)

func main() {
	app := &cli.App{
		Name:   "feedserver",
		Usage:  "Serve the signed measurement feed",
		Flags:  serveFlags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "feedserver")

	handler, err := feedserver.NewHandler(cCtx.String("feed-file"), logger)
	if err != nil {
		logger.Error("Feed file rejected", "err", err)
		return err
	}

	srv, err := feedserver.New(&feedserver.Config{
		ListenAddr:               cCtx.String("listen-addr"),
		MetricsAddr:              cCtx.String("metrics-addr"),
		EnablePprof:              cCtx.Bool("pprof"),
		Log:                      logger,
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting feed server", "addr", cCtx.String("listen-addr"))
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}

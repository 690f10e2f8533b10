package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/mediview/consult/consult"
)

const DefaultPort = 8080

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Consult relay.

Terminates room websockets and serves the landmark poll and status endpoints.

Usage:
    relayd serve [--port=<port>]
        [--read_limit=<read_limit>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --read_limit=<read_limit>    Largest accepted client message in bytes.
    -p --port=<port>   Listen port [default: %d].`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	settings := consult.DefaultRelayServerSettings()
	settings.Version = RequireVersion()
	if readLimit, err := opts.Int("--read_limit"); err == nil {
		settings.ReadLimit = int64(readLimit)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalNotify := make(chan os.Signal, 1)
	signal.Notify(signalNotify, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-signalNotify
		cancel()
	}()

	relayServer := consult.NewRelayServer(cancelCtx, settings)

	fmt.Printf(
		"Relay %s on *:%d\n",
		RequireVersion(),
		port,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: relayServer.Router(),
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil {
			fmt.Printf("relay error: %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	relayServer.Close()

	// exit
	os.Exit(0)
}

func RequireVersion() string {
	if version := os.Getenv("CONSULT_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

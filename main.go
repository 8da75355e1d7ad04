// Command rtmp-server runs a live RTMP streaming server: it loads the JSON
// main config named on the command line, wires up the session registry and
// every configured listener via internal/app, and serves until interrupted.
//
// Exit status is non-zero if config loading fails or any listener cannot
// bind.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/liveflow/rtmp-server/internal/app"
	"github.com/liveflow/rtmp-server/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Loaded before the JSON config so local env overrides (e.g.
	// RTMP_CHUNK_SIZE) take effect without editing the config file;
	// a missing .env is not an error.
	_ = godotenv.Load()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: rtmp-server <config.json>")
		return 1
	}

	a, err := app.New(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "rtmp-server: "+err.Error())
		return 1
	}

	logging.LogInfo("RTMP server starting: " + a.Config.Name)
	a.Start()
	defer logging.Sync()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.LogInfo("RTMP server shutting down")
	a.Close()
	a.Wait()
	return 0
}

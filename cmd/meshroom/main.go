package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/ui"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Mesh WebRTC rooms from the terminal",
	Long: `meshroom joins a room on a meshroom relay and connects directly to every
other participant. Audio, video and text chat travel peer to peer; the relay
only forwards signaling.`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(joinCmd, roomsCmd)

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// setupLogging points the global logger at stderr, or at the log file when
// the terminal belongs to the room UI. The returned func closes the file.
func setupLogging(cfg *config.ClientConfig, tui bool) (func(), error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	closer := func() {}
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.ConsoleWriter{Out: f, NoColor: true}
		closer = func() { _ = f.Close() }
	case tui:
		out = io.Discard
	}
	log.Logger = log.Output(out)
	return closer, nil
}

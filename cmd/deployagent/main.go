package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/deploycore/cmd/deployagent/commands"
)

// Version information (set via ldflags during build, otherwise read from the
// module build info)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Setup bootstrap logging; the agent config replaces it once loaded
	setupLogging()

	if info, ok := debug.ReadBuildInfo(); ok {
		Version, Commit, BuildDate = fromBuildInfo(info, Version, Commit, BuildDate)
	}

	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal drains running deploys and tasks, a second one exits at once
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received interrupt signal, shutting down deployagent...")
		cancel()
		<-sigChan
		log.Warn().Msg("Second interrupt, exiting without draining")
		os.Exit(130)
	}()

	log.Debug().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting deployagent")

	// Execute root command
	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("deployagent command failed")
		os.Exit(1)
	}
}

// fromBuildInfo fills the values ldflags left at their defaults from the module
// version and the VCS stamp the go tool records.
func fromBuildInfo(info *debug.BuildInfo, version, commit, buildDate string) (string, string, string) {
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}

	var revision, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			if buildDate == "unknown" {
				buildDate = s.Value
			}
		case "vcs.modified":
			modified = s.Value
		}
	}
	if commit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		commit = revision
		if modified == "true" {
			commit += "-dirty"
		}
	}
	return version, commit, buildDate
}

// setupLogging configures the global zerolog logger used before the agent config is loaded.
func setupLogging() {
	// Use console writer for human-readable output
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// DEPLOYAGENT_LOG_LEVEL wins over the generic LOG_LEVEL
	level := os.Getenv("DEPLOYAGENT_LOG_LEVEL")
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

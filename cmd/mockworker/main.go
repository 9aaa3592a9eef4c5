// Command mockworker stands in for the worker application on machines
// without it. It reads the session ports, log path and framing from the
// environment the supervisor sets and serves one command connection.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tokejepsen/mayasequence/internal/contracts/worker/v1"
	"github.com/tokejepsen/mayasequence/internal/farm/channel"
	"github.com/tokejepsen/mayasequence/internal/farm/mockworker"
	"github.com/tokejepsen/mayasequence/internal/farm/portalloc"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("mockworker", pflag.ExitOnError)
	fixture := fs.String("fixture", os.Getenv("MOCKWORKER_FIXTURE"), "YAML scene fixture")
	project := fs.String("proj", "", "project directory")
	renderer := fs.String("renderer", "", "override the fixture renderer")
	errorAt := fs.Int("error-at-frame", 0, "print an ERROR line while rendering this frame")
	warnAt := fs.Int("warning-at-frame", 0, "print a WARNING line while rendering this frame")
	hangAt := fs.Int("hang-at-frame", 0, "never answer the render command for this frame")
	dropAt := fs.Int("drop-at-frame", 0, "close the command connection at this frame")
	missingModule := fs.Bool("missing-module", false, "fail to open scenes with a missing module")
	skipSignal := fs.Bool("skip-signal", false, "never signal readiness")
	fs.ParseErrorsWhitelist.UnknownFlags = true
	_ = fs.Parse(normalizeArgs(os.Args[1:]))

	log := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "text"),
		Output:      os.Stderr,
		ServiceName: "mockworker",
	})

	pair, err := portalloc.FromEnv(os.Getenv)
	if err != nil {
		log.LogFatal("reading session ports", err)
	}
	framing, err := channel.ParseFraming(os.Getenv(v1.EnvFraming))
	if err != nil {
		log.LogFatal("reading framing", err)
	}

	fx, err := mockworker.LoadFixture(*fixture)
	if err != nil {
		log.LogFatal("loading fixture", err, "path", *fixture)
	}
	if *renderer != "" {
		fx.Scene.Renderer = *renderer
	}
	faults := fx.Faults
	if fs.Changed("error-at-frame") {
		faults.ErrorAtFrame = *errorAt
	}
	if fs.Changed("warning-at-frame") {
		faults.WarningAtFrame = *warnAt
	}
	if fs.Changed("hang-at-frame") {
		faults.HangAtFrame = *hangAt
	}
	if fs.Changed("drop-at-frame") {
		faults.DropAtFrame = *dropAt
	}
	if *missingModule {
		faults.MissingModule = true
	}
	if *skipSignal {
		faults.SkipSignal = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("mock worker starting",
		"command_port", pair.Command,
		"rendezvous_port", pair.Rendezvous,
		"framing", string(framing),
		"project", *project,
	)

	w := mockworker.New(mockworker.Config{
		Ports:   pair,
		Framing: framing,
		LogPath: os.Getenv(v1.EnvLogPath),
		Stdout:  os.Stdout,
		Scene:   fx.Scene,
		Faults:  faults,
	})
	if err := w.Run(ctx); err != nil {
		log.LogFatal("mock worker failed", err)
	}
	log.Info("mock worker finished", "commands", w.Commands())
}

// normalizeArgs accepts the worker application's single-dash long flags
// such as -proj.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if len(a) > 2 && a[0] == '-' && a[1] != '-' {
			a = "-" + a
		}
		out = append(out, a)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

// Package basilicalog wires the process-wide structured logger: a colorized
// terminal handler when stderr is a TTY, plus an optional rotating JSON file
// sink for long-lived deployments.
package basilicalog

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/one-covenant/basilica-sub000/internal/config"
)

// Setup installs the default logger from the logging configuration. It is
// called once at process startup, before any component is constructed.
func Setup(cfg config.LoggingConfig) error {
	useColor := !cfg.NoColor && isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"

	output := io.Writer(os.Stderr)
	if useColor {
		output = colorable.NewColorableStderr()
	} else {
		color.NoColor = true
	}
	level := log.FromLegacyLevel(cfg.Verbosity)

	terminal := log.NewTerminalHandlerWithLevel(output, level, useColor)
	if cfg.File == "" {
		log.SetDefault(log.NewLogger(terminal))
		return nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	fileHandler := log.JSONHandlerWithLevel(rotator, level)
	log.SetDefault(log.NewLogger(&teeHandler{a: terminal, b: fileHandler}))
	return nil
}

// Banner prints the startup banner. Color is suppressed automatically when
// stderr is not a terminal.
func Banner(version string) {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(os.Stderr, "basilica validator — verification & scoring core")
	color.New(color.Faint).Fprintf(os.Stderr, "version %s\n", version)
}

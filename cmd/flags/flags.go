// Package flags holds the command-line flags and logger setup shared by the
// mediafs commands.
package flags

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "mediafs",
	Usage: "add 'service' tag to logs",
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Value:   "mediafs.yaml",
	Usage:   "backend configuration file",
	EnvVars: []string{"MEDIAFS_CONFIG"},
}

var EnvDirFlag = &cli.StringFlag{
	Name:  "env-dir",
	Value: ".",
	Usage: "directory holding .env and .local.env",
}

// LogFlags are the logging flags every command accepts.
var LogFlags = []cli.Flag{LogJSONFlag, LogDebugFlag, LogUIDFlag, LogServiceFlag}

// LoggingOpts selects the log format and the tags attached to every record.
type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

// NewLogger builds a logger writing to stderr.
func NewLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}

// SetupLogger builds the logger selected by the logging flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := NewLogger(&LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// Package cmd defines the command line flags shared by every questline
// binary, plus the process-wide configuration they resolve into.
package cmd

import (
	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// DataDirFlag defines a path on disk where the engine keeps its secret
	// key and audit database.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the secret key and audit database",
		Value: DefaultDataDir(),
	}
	// ConfigFileFlag specifies the filepath to load flag values.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "The filepath to a yaml file with flag values",
	}
	// EngineConfigFileFlag specifies the filepath to load engine config values.
	EngineConfigFileFlag = &cli.StringFlag{
		Name:  "engine-config-file",
		Usage: "The path to a YAML file with engine config values",
	}
	// MinimalConfigFlag enables the minimal engine configuration used for
	// local development and testing.
	MinimalConfigFlag = &cli.BoolFlag{
		Name:  "minimal-config",
		Usage: "Use minimal engine config with smaller queues and faster sweeps",
	}
	// MaxPageSizeFlag defines the maximum numbers of entries a leaderboard
	// query may return in one page.
	MaxPageSizeFlag = &cli.IntFlag{
		Name:  "max-page-size",
		Usage: "Max number of entries returned per leaderboard page",
	}
	// LogFormat specifies the log output format.
	LogFormat = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd.",
		Value: "text",
	}
	// LogFileName specifies the log output file name.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	// MonitoringHostFlag defines the host used to serve prometheus metrics.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host used for listening and responding metrics for prometheus",
		Value: "127.0.0.1",
	}
	// DisableMonitoringFlag defines a flag to disable the metrics collection.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable monitoring service.",
	}
	// ClearDB removes any previously stored data at the data directory.
	ClearDB = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Clear any previously stored audit data at the data directory",
	}
)

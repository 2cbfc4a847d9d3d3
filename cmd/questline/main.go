// Package main defines the questline engine binary. The engine ingests
// application events and turns them into points, levels, badges, streaks,
// quests and leaderboards, served over an HTTP and WebSocket surface.
package main

import (
	"fmt"
	"os"
	"runtime"

	joonix "github.com/joonix/log"
	"github.com/questline/questline/cmd"
	"github.com/questline/questline/cmd/questline/flags"
	"github.com/questline/questline/io/logs"
	"github.com/questline/questline/node"
	"github.com/questline/questline/runtime/version"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func startQuestline(cliCtx *cli.Context) error {
	verbosity := cliCtx.String(cmd.VerbosityFlag.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	engine, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	engine.Start()
	return nil
}

var appFlags = []cli.Flag{
	cmd.MinimalConfigFlag,
	cmd.MaxPageSizeFlag,
	cmd.VerbosityFlag,
	cmd.DataDirFlag,
	cmd.ConfigFileFlag,
	cmd.EngineConfigFileFlag,
	cmd.MonitoringHostFlag,
	cmd.DisableMonitoringFlag,
	cmd.LogFileName,
	cmd.LogFormat,
	cmd.ClearDB,
	flags.HTTPHost,
	flags.HTTPPort,
	flags.HTTPMountFlag,
	flags.HTTPCorsDomain,
	flags.APIKeysFlag,
	flags.AdminKeysFlag,
	flags.PublicEndpointsFlag,
	flags.StorageBackendFlag,
	flags.RedisURLFlag,
	flags.PostgresDSNFlag,
	flags.MongoURIFlag,
	flags.MongoDatabaseFlag,
	flags.SecretFileFlag,
	flags.EncryptionKeyFlag,
	flags.WebhookSecretFlag,
	flags.RateLimitAlgorithmFlag,
	flags.RateLimitMaxFlag,
	flags.RateLimitWindowFlag,
	flags.RateLimitWhitelistFlag,
	flags.RateLimitBlacklistFlag,
	flags.RateLimitLocalFlag,
	flags.DisableRateLimitFlag,
	flags.MonitoringPortFlag,
	flags.AuditRetentionFlag,
}

func init() {
	appFlags = cmd.WrapFlags(appFlags)
}

func main() {
	app := cli.App{}
	app.Name = "questline"
	app.Usage = "launches a gamification engine that turns application events into points, badges, streaks, quests and leaderboards."
	app.Version = version.GetVersion()
	app.Flags = appFlags
	app.Action = startQuestline
	app.Before = func(ctx *cli.Context) error {
		// Load any flags from file, if specified.
		if ctx.IsSet(cmd.ConfigFileFlag.Name) {
			if err := altsrc.InitInputSourceWithContext(
				appFlags,
				altsrc.NewYamlSourceFromFlagFunc(
					cmd.ConfigFileFlag.Name))(ctx); err != nil {
				return err
			}
		}

		format := ctx.String(cmd.LogFormat.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as Gibberish in the log files.
			formatter.DisableColors = ctx.String(cmd.LogFileName.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		logFileName := ctx.String(cmd.LogFileName.Name)
		if logFileName != "" {
			if err := logs.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configuring logging to disk.")
			}
		}

		runtime.GOMAXPROCS(runtime.NumCPU())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

// This code was adapted from https://github.com/ethereum/go-ethereum/blob/master/cmd/geth/usage.go
package main

import (
	"io"
	"sort"

	"github.com/questline/questline/cmd"
	"github.com/questline/questline/cmd/questline/flags"
	"github.com/urfave/cli/v2"
)

var appHelpTemplate = `NAME:
   {{.App.Name}} - {{.App.Usage}}
USAGE:
   {{.App.HelpName}} [options]{{if .App.Commands}} command [command options]{{end}} {{if .App.ArgsUsage}}{{.App.ArgsUsage}}{{else}}[arguments...]{{end}}
   {{if .App.Version}}
AUTHOR:
   {{range .App.Authors}}{{ . }}{{end}}
   {{end}}{{if .App.Commands}}
GLOBAL OPTIONS:
   {{range .App.Commands}}{{join .Names ", "}}{{ "\t" }}{{.Usage}}
   {{end}}{{end}}{{if .FlagGroups}}
{{range .FlagGroups}}{{.Name}} OPTIONS:
   {{range .Flags}}{{.}}
   {{end}}
{{end}}{{end}}{{if .App.Copyright }}
COPYRIGHT:
   {{.App.Copyright}}
VERSION:
   {{.App.Version}}
   {{end}}{{if len .App.Authors}}
   {{end}}
`

type flagGroup struct {
	Name  string
	Flags []cli.Flag
}

var appHelpFlagGroups = []flagGroup{
	{
		Name: "cmd",
		Flags: []cli.Flag{
			cmd.MinimalConfigFlag,
			cmd.MaxPageSizeFlag,
			cmd.DataDirFlag,
			cmd.VerbosityFlag,
			cmd.MonitoringHostFlag,
			flags.MonitoringPortFlag,
			cmd.DisableMonitoringFlag,
			cmd.ClearDB,
			cmd.ConfigFileFlag,
			cmd.EngineConfigFileFlag,
		},
	},
	{
		Name: "http",
		Flags: []cli.Flag{
			flags.HTTPHost,
			flags.HTTPPort,
			flags.HTTPMountFlag,
			flags.HTTPCorsDomain,
			flags.APIKeysFlag,
			flags.AdminKeysFlag,
			flags.PublicEndpointsFlag,
		},
	},
	{
		Name: "storage",
		Flags: []cli.Flag{
			flags.StorageBackendFlag,
			flags.RedisURLFlag,
			flags.PostgresDSNFlag,
			flags.MongoURIFlag,
			flags.MongoDatabaseFlag,
			flags.AuditRetentionFlag,
		},
	},
	{
		Name: "secrets",
		Flags: []cli.Flag{
			flags.SecretFileFlag,
			flags.EncryptionKeyFlag,
			flags.WebhookSecretFlag,
		},
	},
	{
		Name: "rate-limit",
		Flags: []cli.Flag{
			flags.RateLimitAlgorithmFlag,
			flags.RateLimitMaxFlag,
			flags.RateLimitWindowFlag,
			flags.RateLimitWhitelistFlag,
			flags.RateLimitBlacklistFlag,
			flags.RateLimitLocalFlag,
			flags.DisableRateLimitFlag,
		},
	},
	{
		Name: "log",
		Flags: []cli.Flag{
			cmd.LogFormat,
			cmd.LogFileName,
		},
	},
}

func init() {
	cli.AppHelpTemplate = appHelpTemplate

	type helpData struct {
		App        interface{}
		FlagGroups []flagGroup
	}

	originalHelpPrinter := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, tmpl string, data interface{}) {
		if tmpl == appHelpTemplate {
			for _, group := range appHelpFlagGroups {
				sort.Sort(cli.FlagsByName(group.Flags))
			}
			originalHelpPrinter(w, tmpl, helpData{data, appHelpFlagGroups})
		} else {
			originalHelpPrinter(w, tmpl, data)
		}
	}
}

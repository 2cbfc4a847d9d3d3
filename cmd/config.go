package cmd

import (
	"github.com/questline/questline/config/params"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "cmd")

// Flags is a struct to represent which process-wide options the operator
// selected at start-up.
type Flags struct {
	// Configuration related flags.
	MinimalConfig bool
	MaxPageSize   int
}

var sharedConfig *Flags

// Get retrieves the shared process configuration.
func Get() *Flags {
	if sharedConfig == nil {
		return &Flags{MaxPageSize: params.Config().LeaderboardMaxPageSize}
	}
	return sharedConfig
}

// Init sets the global config equal to the config that is passed in.
func Init(c *Flags) {
	sharedConfig = c
}

// InitWithReset sets the global config and returns a function that is used to
// reset the configuration.
func InitWithReset(c *Flags) func() {
	prev := sharedConfig
	resetFunc := func() {
		Init(prev)
	}
	Init(c)
	return resetFunc
}

// ConfigureQuestline sets the global config based on what flags are enabled
// for the engine binary.
func ConfigureQuestline(cliCtx *cli.Context) error {
	complete := &Flags{}
	if cliCtx.Bool(MinimalConfigFlag.Name) {
		log.Warn("Using minimal engine config")
		complete.MinimalConfig = true
		params.OverrideConfig(params.MinimalConfig())
	}
	if cliCtx.IsSet(MaxPageSizeFlag.Name) {
		complete.MaxPageSize = cliCtx.Int(MaxPageSizeFlag.Name)
		c := params.Config().Copy()
		c.LeaderboardMaxPageSize = complete.MaxPageSize
		params.OverrideConfig(c)
		log.Warnf("Capping leaderboard pages at %d entries", complete.MaxPageSize)
	} else {
		complete.MaxPageSize = params.Config().LeaderboardMaxPageSize
	}
	Init(complete)
	return nil
}

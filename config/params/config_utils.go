package params

import (
	"sync"
	"testing"

	"github.com/mohae/deepcopy"
)

var engineConfig *EngineConfig
var engineConfigLock sync.RWMutex

func init() {
	engineConfig = DefaultConfig()
}

// Config retrieves the active engine config.
func Config() *EngineConfig {
	engineConfigLock.RLock()
	defer engineConfigLock.RUnlock()
	return engineConfig
}

// OverrideConfig replaces the active config. The preferred pattern is to call
// Config(), copy it, change the specific parameters, and then call
// OverrideConfig(c). Any subsequent calls to params.Config() will return this
// new configuration.
func OverrideConfig(c *EngineConfig) {
	engineConfigLock.Lock()
	defer engineConfigLock.Unlock()
	engineConfig = c
}

// Copy returns a deep copy of the config object.
func (c *EngineConfig) Copy() *EngineConfig {
	engineConfigLock.RLock()
	defer engineConfigLock.RUnlock()
	config, ok := deepcopy.Copy(*c).(EngineConfig)
	if !ok {
		config = *engineConfig
	}
	return &config
}

// SetupTestConfigCleanup preserves the active config and restores it when the
// test and all its subtests complete.
func SetupTestConfigCleanup(t testing.TB) {
	prevConfig := Config().Copy()
	t.Cleanup(func() {
		OverrideConfig(prevConfig)
	})
}

package params

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// LoadConfigFile reads a YAML config file, overlays it on the default preset,
// and installs the result as the active config. Unknown keys are rejected so
// that typos in deployments fail loudly.
func LoadConfigFile(path string) error {
	yamlFile, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not read engine config file")
	}
	conf := DefaultConfig()
	if err := yaml.UnmarshalStrict(yamlFile, conf); err != nil {
		return errors.Wrap(err, "could not parse engine config yaml")
	}
	if conf.ConfigName == "" {
		conf.ConfigName = "custom"
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	log.Debugf("Config file values: %+v", conf)
	OverrideConfig(conf)
	return nil
}

// ConfigToYaml renders the provided config as YAML, so that a running engine
// can export its effective configuration.
func ConfigToYaml(cfg *EngineConfig) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal engine config")
	}
	return out, nil
}

package configmgr

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

// Load reads and decodes the YAML configuration document at path,
// validates it, and returns the fully resolved Config (daemon-level and
// per-app defaults applied). A missing file is not an error: Load returns
// Defaults() so the daemon can run with zero configuration.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Config{}, errs.Newf(errs.ConfigNotFound, "read config %s: %v", path, err).WithCause(err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, errs.Newf(errs.ConfigParse, "parse config %s: %v", path, err).WithCause(err)
	}
	// Config's field names are its JSON tags (camelCase keys, raw
	// instances), so the YAML tree is re-encoded as JSON and decoded
	// through them.
	var cfg Config
	js, err := json.Marshal(doc)
	if err == nil {
		err = json.Unmarshal(js, &cfg)
	}
	if err != nil {
		return Config{}, errs.Newf(errs.ConfigParse, "parse config %s: %v", path, err).WithCause(err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return Resolve(cfg), nil
}

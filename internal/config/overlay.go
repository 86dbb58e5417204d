package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// LoadOverlay looks for an optional ccb.toml overlay, first at
// $CCB_RUN_DIR/ccb.toml (or the equivalent default runtime dir) and then at
// ./.ccb_config/ccb.toml, and returns the first one found. A missing file is
// not an error: it simply means no overlay. A malformed file is logged by
// the caller and treated the same as missing — the overlay only ever
// loosens a default, so a bad file should never prevent the daemon from
// starting.
func LoadOverlay(runDir string) (*Overlay, error) {
	candidates := []string{
		filepath.Join(runDir, "ccb.toml"),
		filepath.Join(".ccb_config", "ccb.toml"),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var ov Overlay
		if _, err := toml.Decode(string(data), &ov); err != nil {
			return nil, err
		}
		return &ov, nil
	}
	return nil, nil
}

// Package artifacts holds files embedded into the binary.
package artifacts

import _ "embed"

// DefaultConfig is written to the config directory by "kvfs init" and used
// as the base every loaded config is merged onto.
//
//go:embed defaults/config.yaml
var DefaultConfig []byte

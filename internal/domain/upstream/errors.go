package upstream

import "errors"

// ErrInvalidConfig is wrapped by Config.Validate to describe the first
// validation failure found.
var ErrInvalidConfig = errors.New("upstream: invalid service config")

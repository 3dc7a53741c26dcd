package registry

import "errors"

var errInvalidListParam = errors.New("registry: invalid list parameter")

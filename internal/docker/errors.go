package docker

import "errors"

// ErrUnavailable indicates no Docker daemon connection was configured.
var ErrUnavailable = errors.New("docker: client not initialized")

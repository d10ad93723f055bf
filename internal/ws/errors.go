package ws

import "errors"

var errHubClosed = errors.New("ws: hub closed")

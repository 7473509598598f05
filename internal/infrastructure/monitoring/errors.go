package monitoring

import "errors"

var errDisconnected = errors.New("disconnected")

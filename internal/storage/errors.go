package storage

import "errors"

// ErrTradeNotFound is returned when no trade exists for an id
var ErrTradeNotFound = errors.New("trade not found")

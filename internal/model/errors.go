package model

import (
	"errors"
)

var (
	// ErrConfiguration aborts a run before any connection is attempted.
	ErrConfiguration = errors.New("configuration error")
)

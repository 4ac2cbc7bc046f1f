package storage

import "errors"

// ErrPositionNotFound is returned when no position exists for a spread ID.
var ErrPositionNotFound = errors.New("position not found")

// ErrPositionNotOpen is returned when a close/expire targets a position that
// already reached a terminal state.
var ErrPositionNotOpen = errors.New("position not open")

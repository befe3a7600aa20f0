package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrUnsupported = errors.New("unsupported operation")
var ErrAlreadyExists = errors.New("already exists")

// ErrCorruptResume is returned when a persisted resume payload cannot be decoded.
var ErrCorruptResume = errors.New("corrupt resume data")

var ErrInvalidInfoHash = errors.New("invalid info hash")

// ErrClosed is returned by components that were used after Close.
var ErrClosed = errors.New("closed")

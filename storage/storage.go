package storage

import (
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

// Storage is the disk contract the engine programs against. Block
// writes land as they arrive; piece assembly for verification reads the
// same ranges back, so implementations must support random access.
// Failures are reported as *Error, keeping them distinct from protocol
// and hash errors.
type Storage interface {
	WriteBlock(pieceIndex, begin int, data []byte) error
	ReadBlock(pieceIndex, begin, length int) (data []byte, err error)
	Close() error
}

// Error wraps a filesystem failure with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

package ipisock

import "errors"

var (
	// ErrConnConfigNil indicates that a connection option was applied to a nil config.
	ErrConnConfigNil = errors.New("ipisock: connection config is nil")
	// ErrInvalidHost indicates that the host is neither an IP address nor a resolvable name.
	ErrInvalidHost = errors.New("ipisock: invalid host")
	// ErrInvalidOption indicates that an option value is out of its valid range.
	ErrInvalidOption = errors.New("ipisock: invalid option")
	// ErrServerOpened indicates that Open was called on a server that is already open.
	ErrServerOpened = errors.New("ipisock: server already opened")
	// ErrServerClosed indicates an operation on a server that is not open.
	ErrServerClosed = errors.New("ipisock: server closed")
	// ErrCloseTimeout indicates that sessions did not finish within the close timeout.
	ErrCloseTimeout = errors.New("ipisock: close timeout")
)

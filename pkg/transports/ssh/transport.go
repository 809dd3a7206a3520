// Package ssh runs package transactions against a remote host.
//
// A Client runs service commands in SSH sessions and exposes the remote
// filesystem over SFTP, so it can stand in for both the local command
// executor of the actuator and the local filesystem of an image's
// install-state store.
package ssh

import (
	"github.com/openfroyo/froyopkg/pkg/actuator"
	"github.com/openfroyo/froyopkg/pkg/image"
)

var (
	_ actuator.Executor = (*Client)(nil)
	_ image.FS          = (*remoteFS)(nil)
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

package ports

import (
	"context"
	"io"
)

// RemoteTransport opens sessions to the analysis sandbox host. Sessions are
// never pooled: every caller gets its own connection.
type RemoteTransport interface {
	Connect(ctx context.Context) (RemoteConn, error)
}

// RemoteConn is one authenticated connection. Close is idempotent.
type RemoteConn interface {
	Exec(ctx context.Context, cmd string) (RemoteProcess, error)
	PutFile(ctx context.Context, src io.Reader, remotePath string) error
	Stat(ctx context.Context, remotePath string) (bool, error)
	Open(ctx context.Context, remotePath string) (io.ReadCloser, error)
	Close() error
}

// RemoteProcess is a command started on a RemoteConn.
type RemoteProcess interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the remote command exits. err is non-nil only when
	// the exit status could not be observed (channel torn down, no status).
	Wait() (exitCode int, err error)
	Close() error
}

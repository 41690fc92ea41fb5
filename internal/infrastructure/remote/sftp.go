package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

// PutFile uploads src to remotePath, creating parent directories first.
// Directory creation tolerates another task creating the same directory.
func (c *sshConn) PutFile(ctx context.Context, src io.Reader, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	dir := path.Dir(remotePath)
	if err := client.MkdirAll(dir); err != nil {
		info, statErr := client.Stat(dir)
		if statErr != nil || !info.IsDir() {
			return fmt.Errorf("%w: create directory %s: %v", ErrSFTP, dir, err)
		}
	}

	remoteFile, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrSFTP, remotePath, err)
	}

	if _, err := remoteFile.ReadFrom(src); err != nil {
		remoteFile.Close()
		return fmt.Errorf("%w: upload %s: %v", ErrSFTP, remotePath, err)
	}

	if err := remoteFile.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrSFTP, remotePath, err)
	}
	return nil
}

func (c *sshConn) Stat(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	client, err := c.sftpClient()
	if err != nil {
		return false, err
	}

	if _, err := client.Stat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", ErrSFTP, remotePath, err)
	}
	return true, nil
}

// Open returns a reader for remotePath. The reader is only valid while the
// connection is open.
func (c *sshConn) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrSFTP, remotePath, os.ErrNotExist)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrSFTP, remotePath, err)
	}
	return f, nil
}

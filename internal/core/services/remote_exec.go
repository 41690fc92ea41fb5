package services

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/probehub/backend/internal/core/ports"
)

const maxCommandOutput = 64 << 20

type commandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runRemote executes cmd on conn and collects its output. The session is
// closed when ctx ends.
func runRemote(ctx context.Context, conn ports.RemoteConn, cmd string) (*commandOutput, error) {
	proc, err := conn.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer proc.Close()

	// Closing the session is the only way to unblock the pipe readers.
	stop := context.AfterFunc(ctx, func() { proc.Close() })
	defer stop()

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if r := proc.Stdout(); r != nil {
			io.Copy(&stdout, io.LimitReader(r, maxCommandOutput))
		}
	}()
	go func() {
		defer wg.Done()
		if r := proc.Stderr(); r != nil {
			io.Copy(&stderr, io.LimitReader(r, maxCommandOutput))
		}
	}()
	wg.Wait()

	code, err := proc.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &commandOutput{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

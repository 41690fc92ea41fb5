package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/infrastructure/logger"
)

var errSessionClosed = errors.New("fake: session closed")

type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	exit      chan exitResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{
		exit:   make(chan exitResult, 1),
		closed: make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// scriptedProcess writes the given output, then exits with code. Output is
// written only after gate is closed (nil gate means immediately).
func scriptedProcess(gate <-chan struct{}, stdout, stderr []string, code int) *fakeProcess {
	p := newFakeProcess()
	go func() {
		if gate != nil {
			select {
			case <-gate:
			case <-p.closed:
				return
			}
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, l := range stdout {
				if _, err := io.WriteString(p.stdoutW, l+"\n"); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for _, l := range stderr {
				if _, err := io.WriteString(p.stderrW, l+"\n"); err != nil {
					return
				}
			}
		}()
		wg.Wait()
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exit <- exitResult{code: code}
	}()
	return p
}

// hangingProcess never exits on its own.
func hangingProcess() *fakeProcess {
	return newFakeProcess()
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (int, error) {
	select {
	case r := <-p.exit:
		return r.code, r.err
	case <-p.closed:
		return -1, errSessionClosed
	}
}

func (p *fakeProcess) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.stdoutW.Close()
		p.stderrW.Close()
	})
	return nil
}

type fakeTransport struct {
	mu           sync.Mutex
	connectErr   error
	connectDelay time.Duration
	panicOn      bool
	handler      func(cmd string) *fakeProcess
	execs        []string
	files        map[string][]byte
	putErr       error
	connects     int
}

func newFakeTransport(handler func(cmd string) *fakeProcess) *fakeTransport {
	return &fakeTransport{handler: handler, files: make(map[string][]byte)}
}

// Connect honours ctx while waiting out connectDelay, like a real dial.
func (t *fakeTransport) Connect(ctx context.Context) (ports.RemoteConn, error) {
	t.mu.Lock()
	delay := t.connectDelay
	t.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.panicOn {
		panic("fake transport exploded")
	}
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return &fakeConn{t: t}, nil
}

func (t *fakeTransport) Execs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.execs...)
}

func (t *fakeTransport) File(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.files[path]
	return b, ok
}

type fakeConn struct {
	t *fakeTransport
}

func (c *fakeConn) Exec(ctx context.Context, cmd string) (ports.RemoteProcess, error) {
	c.t.mu.Lock()
	c.t.execs = append(c.t.execs, cmd)
	handler := c.t.handler
	c.t.mu.Unlock()

	if handler == nil {
		return scriptedProcess(nil, nil, nil, 0), nil
	}
	return handler(cmd), nil
}

func (c *fakeConn) PutFile(ctx context.Context, src io.Reader, remotePath string) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.putErr != nil {
		return c.t.putErr
	}
	c.t.files[remotePath] = data
	return nil
}

func (c *fakeConn) Stat(ctx context.Context, remotePath string) (bool, error) {
	_, ok := c.t.File(remotePath)
	return ok, nil
}

func (c *fakeConn) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	data, ok := c.t.File(remotePath)
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeConn) Close() error { return nil }

// cleanupAware answers cleanup commands with the done marker and everything
// else with main.
func cleanupAware(main func(cmd string) *fakeProcess) func(cmd string) *fakeProcess {
	return func(cmd string) *fakeProcess {
		if strings.Contains(cmd, cleanupDoneMarker) {
			return scriptedProcess(nil, []string{"cleanup ok", cleanupDoneMarker}, nil, 0)
		}
		return main(cmd)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Analysis: config.AnalysisConfig{
			DynamicScript:  "/opt/scripts/android_dynamic_analysis.py",
			FridaScript:    "/opt/camille/frida_privacy_check.py",
			ContainerName:  "android-frida-container",
			ReportDir:      "/opt/frida_reports",
			ReportPrefix:   "frida_report",
			ReportExt:      "xls",
			RawLogPath:     "/tmp/frida_output.log",
			DefaultSeconds: 300,
			ExclusiveKinds: true,
			DrainTimeout:   200 * time.Millisecond,
			ReportTimeout:  2 * time.Second,
			HistorySize:    16,
		},
		LogStream: config.LogStreamConfig{
			MaxBatchLines:    5,
			FlushInterval:    time.Second,
			PollInterval:     20 * time.Millisecond,
			SubscriberBuffer: 64,
		},
		Cleanup: config.CleanupConfig{
			Budget:        2 * time.Second,
			ActionTimeout: time.Second,
		},
	}
}

func newTestService(t *testing.T, transport ports.RemoteTransport) *TaskService {
	t.Helper()
	svc := NewTaskService(transport, nil, testConfig(), logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

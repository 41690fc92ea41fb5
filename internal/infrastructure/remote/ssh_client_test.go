package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestNewSSHClient_Defaults(t *testing.T) {
	c := NewSSHClient(SSHConfig{Host: "10.0.0.5", User: "root", Password: "x"})

	if c.config.Port != 22 {
		t.Errorf("Port = %d, want 22", c.config.Port)
	}
	if c.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.config.Timeout)
	}
	if c.config.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", c.config.MaxAttempts)
	}
	if got := c.Address(); got != "10.0.0.5:22" {
		t.Errorf("Address() = %q", got)
	}
}

func TestGetAuthMethods(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := string(pem.EncodeToMemory(block))

	tests := []struct {
		name    string
		cfg     SSHConfig
		want    int
		wantErr bool
	}{
		{name: "password only", cfg: SSHConfig{Password: "secret"}, want: 1},
		{name: "key only", cfg: SSHConfig{PrivateKey: keyPEM}, want: 1},
		{name: "key and password", cfg: SSHConfig{PrivateKey: keyPEM, Password: "secret"}, want: 2},
		{name: "no credentials", cfg: SSHConfig{}, wantErr: true},
		{name: "garbage key", cfg: SSHConfig{PrivateKey: "not a key"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, err := NewSSHClient(tt.cfg).getAuthMethods()
			if tt.wantErr {
				if !errors.Is(err, ErrSSHAuthentication) {
					t.Fatalf("err = %v, want ErrSSHAuthentication", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(methods) != tt.want {
				t.Errorf("got %d auth methods, want %d", len(methods), tt.want)
			}
		})
	}
}

func TestHostKeyCallback_MissingKnownHosts(t *testing.T) {
	c := NewSSHClient(SSHConfig{KnownHosts: "/nonexistent/known_hosts"})
	if _, err := c.hostKeyCallback(); !errors.Is(err, ErrSSHConnection) {
		t.Fatalf("err = %v, want ErrSSHConnection", err)
	}
}

func TestConnect_RefusedIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := NewSSHClient(SSHConfig{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		User:     "root",
		Password: "x",
		Timeout:  time.Second,
	})

	_, err = c.Connect(context.Background())
	if !errors.Is(err, ErrSSHConnection) && !errors.Is(err, ErrSSHTimeout) {
		t.Fatalf("err = %v, want a connection error", err)
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ErrSSHTimeout},
		{name: "auth", err: errors.New("ssh: handshake failed: ssh: unable to authenticate"), want: ErrSSHAuthentication},
		{name: "other", err: errors.New("connection refused"), want: ErrSSHConnection},
		{name: "nil", err: nil, want: ErrSSHConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyDialError(tt.err, 1); !errors.Is(got, tt.want) {
				t.Errorf("classifyDialError() = %v, want %v", got, tt.want)
			}
		})
	}
}

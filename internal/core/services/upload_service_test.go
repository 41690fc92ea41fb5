package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/probehub/backend/internal/config"
)

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		RemoteDir:  "/opt/apk",
		URLPrefix:  "http://sandbox/apk/",
		MaxSize:    1024,
		Extensions: []string{"apk", ".ipa"},
	}
}

func TestUpload(t *testing.T) {
	transport := newFakeTransport(nil)
	svc := NewUploadService(transport, testUploadConfig(), nil)

	body := "PK\x03\x04apk-bytes"
	got, err := svc.Upload(context.Background(), "C:\\Users\\me\\app-release.APK", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if got.OriginalName != "app-release.APK" {
		t.Errorf("OriginalName = %q", got.OriginalName)
	}
	prefix, rest, ok := strings.Cut(got.FileName, "_")
	if !ok || len(prefix) != 32 || rest != "app-release.APK" {
		t.Errorf("FileName = %q, want <32 hex>_app-release.APK", got.FileName)
	}
	if got.RemotePath != "/opt/apk/"+got.FileName {
		t.Errorf("RemotePath = %q", got.RemotePath)
	}
	if got.URL != "http://sandbox/apk/"+got.FileName {
		t.Errorf("URL = %q", got.URL)
	}

	stored, ok := transport.File(got.RemotePath)
	if !ok || string(stored) != body {
		t.Errorf("stored = %q, %v", stored, ok)
	}
}

func TestUpload_UniqueNames(t *testing.T) {
	svc := NewUploadService(newFakeTransport(nil), testUploadConfig(), nil)

	a, err := svc.Upload(context.Background(), "a.apk", 1, strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Upload(context.Background(), "a.apk", 1, strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	if a.FileName == b.FileName {
		t.Errorf("two uploads share name %q", a.FileName)
	}
}

func TestUpload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		size int64
	}{
		{"wrong extension", "notes.txt", 10},
		{"no extension", "apk", 10},
		{"empty", "a.apk", 0},
		{"too large", "a.ipa", 2048},
		{"no name", "", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newFakeTransport(nil)
			svc := NewUploadService(transport, testUploadConfig(), nil)

			_, err := svc.Upload(context.Background(), tt.file, tt.size, strings.NewReader("data"))
			if !errors.Is(err, ErrUploadInvalid) {
				t.Errorf("Upload() error = %v, want ErrUploadInvalid", err)
			}
			if transport.connects != 0 {
				t.Error("rejected upload should not reach the sandbox")
			}
		})
	}
}

func TestUpload_TransportFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		transport := newFakeTransport(nil)
		transport.connectErr = errors.New("connection refused")
		svc := NewUploadService(transport, testUploadConfig(), nil)

		_, err := svc.Upload(context.Background(), "a.apk", 1, strings.NewReader("x"))
		if !errors.Is(err, ErrUploadFailed) || !errors.Is(err, ErrTransport) {
			t.Errorf("Upload() error = %v", err)
		}
	})

	t.Run("put", func(t *testing.T) {
		transport := newFakeTransport(nil)
		transport.putErr = errors.New("disk full")
		svc := NewUploadService(transport, testUploadConfig(), nil)

		_, err := svc.Upload(context.Background(), "a.apk", 1, strings.NewReader("x"))
		if !errors.Is(err, ErrUploadFailed) {
			t.Errorf("Upload() error = %v", err)
		}
	})
}

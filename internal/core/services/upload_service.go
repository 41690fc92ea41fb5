package services

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
)

// UploadService stores analysis inputs (APK/IPA) on the sandbox host.
type UploadService struct {
	transport  ports.RemoteTransport
	cfg        config.UploadConfig
	extensions map[string]struct{}
	log        *logger.Logger
}

var _ ports.UploadService = (*UploadService)(nil)

func NewUploadService(transport ports.RemoteTransport, cfg config.UploadConfig, log *logger.Logger) *UploadService {
	if log == nil {
		log = logger.NewNop()
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return &UploadService{
		transport:  transport,
		cfg:        cfg,
		extensions: exts,
		log:        log,
	}
}

func (s *UploadService) validate(originalName string, size int64) (string, error) {
	name := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: empty file name", ErrUploadInvalid)
	}
	if size <= 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrUploadInvalid, name)
	}
	if s.cfg.MaxSize > 0 && size > s.cfg.MaxSize {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrUploadInvalid, name, s.cfg.MaxSize)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if _, ok := s.extensions[ext]; !ok {
		return "", fmt.Errorf("%w: unsupported extension %q", ErrUploadInvalid, ext)
	}
	return name, nil
}

// Upload writes src to the remote upload directory under a collision-free
// name and returns where it landed.
func (s *UploadService) Upload(ctx context.Context, originalName string, size int64, src io.Reader) (*domain.UploadedFile, error) {
	name, err := s.validate(originalName, size)
	if err != nil {
		s.log.Warnw("upload_rejected", "file", originalName, "size", size, "error", err)
		return nil, err
	}

	fileName := strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + name
	remotePath := path.Join(s.cfg.RemoteDir, fileName)

	conn, err := s.transport.Connect(ctx)
	if err != nil {
		s.log.Errorw("upload_connect_failed", "file", name, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, transportError("connect", err))
	}
	defer conn.Close()

	if err := conn.PutFile(ctx, io.LimitReader(src, size), remotePath); err != nil {
		s.log.Errorw("upload_put_failed", "file", name, "remote_path", remotePath, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, transportError("put", err))
	}

	s.log.Infow("upload_ok", "file", name, "remote_path", remotePath, "size", size)

	url := ""
	if s.cfg.URLPrefix != "" {
		url = strings.TrimRight(s.cfg.URLPrefix, "/") + "/" + fileName
	}
	return &domain.UploadedFile{
		OriginalName: name,
		FileName:     fileName,
		RemotePath:   remotePath,
		URL:          url,
		Size:         size,
	}, nil
}

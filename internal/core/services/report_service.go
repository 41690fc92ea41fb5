package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
)

const (
	contentTypeXLS  = "application/vnd.ms-excel"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	maxReportBytes  = 256 << 20
)

// taskLookup is the part of the task engine the report retriever needs.
type taskLookup interface {
	Known(taskID string) bool
	Transcript(taskID string) ([]string, error)
}

type ReportService struct {
	transport ports.RemoteTransport
	tasks     taskLookup
	analysis  config.AnalysisConfig
	log       *logger.Logger
}

var _ ports.ReportService = (*ReportService)(nil)

func NewReportService(transport ports.RemoteTransport, tasks taskLookup, analysis config.AnalysisConfig, log *logger.Logger) *ReportService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ReportService{
		transport: transport,
		tasks:     tasks,
		analysis:  analysis,
		log:       log,
	}
}

// remoteContext bounds one remote helper command by analysis.report_timeout.
func (s *ReportService) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.analysis.ReportTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.analysis.ReportTimeout)
}

func (s *ReportService) reportName(taskID string) string {
	return fmt.Sprintf("%s_%s.%s", s.analysis.ReportPrefix, taskID, s.analysis.ReportExt)
}

// GetReportPath returns the canonical artifact location. No I/O.
func (s *ReportService) GetReportPath(taskID string) string {
	return path.Join(s.analysis.ReportDir, s.reportName(taskID))
}

func (s *ReportService) ReportInfo(taskID string) (*domain.ReportInfo, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	return &domain.ReportInfo{
		TaskID:   taskID,
		Path:     s.GetReportPath(taskID),
		FileName: s.reportName(taskID),
	}, nil
}

// FetchReport returns the task's artifact, relocating it out of the sandbox
// container or regenerating it from the raw log when needed. Partial
// failures are reported through Report.Warning.
func (s *ReportService) FetchReport(ctx context.Context, taskID string) (*domain.Report, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	conn, err := s.transport.Connect(ctx)
	if err != nil {
		s.log.Errorw("report_connect_failed", "task_id", taskID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRegenerationFailed, transportError("connect", err))
	}
	defer conn.Close()

	reportPath := s.GetReportPath(taskID)

	exists, err := conn.Stat(ctx, reportPath)
	if err != nil {
		s.log.Warnw("report_stat_failed", "task_id", taskID, "path", reportPath, "error", err)
	}
	if exists {
		report, err := s.readArtifact(ctx, conn, reportPath)
		if err == nil {
			s.log.Infow("report_found", "task_id", taskID, "path", reportPath)
			return report, nil
		}
		s.log.Warnw("report_read_failed", "task_id", taskID, "path", reportPath, "error", err)
	}

	if s.relocate(ctx, conn, taskID, reportPath) {
		report, err := s.readArtifact(ctx, conn, reportPath)
		if err == nil {
			s.log.Infow("report_relocated", "task_id", taskID, "path", reportPath)
			return report, nil
		}
		s.log.Warnw("report_read_failed", "task_id", taskID, "path", reportPath, "error", err)
	}

	return s.regenerate(ctx, conn, taskID, s.tasks.Known(taskID))
}

func (s *ReportService) readArtifact(ctx context.Context, conn ports.RemoteConn, remotePath string) (*domain.Report, error) {
	rc, err := conn.Open(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, maxReportBytes))
	if err != nil {
		return nil, err
	}

	contentType := contentTypeXLS
	if strings.HasSuffix(remotePath, ".xlsx") {
		contentType = contentTypeXLSX
	}
	return &domain.Report{
		Name:        path.Base(remotePath),
		Path:        remotePath,
		ContentType: contentType,
		Body:        body,
	}, nil
}

// relocate copies the artifact out of the sandbox container when the job
// wrote it there instead of the shared report directory.
func (s *ReportService) relocate(ctx context.Context, conn ports.RemoteConn, taskID, reportPath string) bool {
	container := shellescape.Quote(s.analysis.ContainerName)
	quoted := shellescape.Quote(reportPath)

	ctx, cancel := s.remoteContext(ctx)
	defer cancel()

	ls, err := runRemote(ctx, conn, fmt.Sprintf("docker exec -u 0 %s ls -la %s", container, quoted))
	if err != nil || ls.ExitCode != 0 {
		s.log.Infow("report_not_in_container", "task_id", taskID, "path", reportPath)
		return false
	}

	cp, err := runRemote(ctx, conn, fmt.Sprintf("mkdir -p %s && docker cp %s:%s %s",
		shellescape.Quote(path.Dir(reportPath)), container, quoted, quoted))
	if err != nil {
		s.log.Warnw("report_relocate_failed", "task_id", taskID, "error", err)
		return false
	}
	if cp.ExitCode != 0 {
		s.log.Warnw("report_relocate_failed", "task_id", taskID, "exit_code", cp.ExitCode, "stderr", cp.Stderr)
		return false
	}
	return true
}

// regenerate rebuilds the workbook from the shared raw log. A task this
// server never ran (or has evicted) has no transcript to fall back on, so
// without the raw log it is simply not found.
func (s *ReportService) regenerate(ctx context.Context, conn ports.RemoteConn, taskID string, known bool) (*domain.Report, error) {
	var warnings []string
	if !known {
		warnings = append(warnings, "task not known to this server, regenerated from the shared raw log")
	}

	lines, err := s.readRawLog(ctx, conn)
	if err != nil {
		s.log.Warnw("report_raw_log_unavailable", "task_id", taskID, "known", known, "error", err)
		if !known {
			return nil, ErrReportNotFound
		}
		transcript, terr := s.tasks.Transcript(taskID)
		if terr != nil {
			return nil, fmt.Errorf("%w: no raw log and no transcript: %w", ErrRegenerationFailed, errors.Join(err, terr))
		}
		lines = transcript
		warnings = append(warnings, "raw log unavailable, regenerated from the retained transcript")
	}

	records := ParsePrivacyRecords(lines)
	if len(records) == 0 {
		warnings = append(warnings, "no privacy events captured, report contains a placeholder row")
	}

	body, err := BuildWorkbook(records)
	if err != nil {
		return nil, fmt.Errorf("%w: build workbook: %w", ErrRegenerationFailed, err)
	}

	name := fmt.Sprintf("%s_%s_recovered.xlsx", s.analysis.ReportPrefix, taskID)
	remotePath := path.Join(s.analysis.ReportDir, name)

	if err := conn.PutFile(ctx, bytes.NewReader(body), remotePath); err != nil {
		s.log.Warnw("report_upload_failed", "task_id", taskID, "path", remotePath, "error", err)
		warnings = append(warnings, "regenerated report could not be stored on the sandbox: "+err.Error())
	}

	s.log.Infow("report_regenerated", "task_id", taskID, "records", len(records), "path", remotePath)

	return &domain.Report{
		Name:        name,
		Path:        remotePath,
		ContentType: contentTypeXLSX,
		Body:        body,
		Warning:     strings.Join(warnings, "; "),
		Regenerated: true,
	}, nil
}

func (s *ReportService) readRawLog(ctx context.Context, conn ports.RemoteConn) ([]string, error) {
	ctx, cancel := s.remoteContext(ctx)
	defer cancel()

	out, err := runRemote(ctx, conn, fmt.Sprintf("docker exec -u 0 %s cat %s",
		shellescape.Quote(s.analysis.ContainerName), shellescape.Quote(s.analysis.RawLogPath)))
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, &CommandError{ExitCode: out.ExitCode}
	}
	if strings.TrimSpace(out.Stdout) == "" {
		return nil, errors.New("raw log is empty")
	}
	return strings.Split(strings.ReplaceAll(out.Stdout, "\r\n", "\n"), "\n"), nil
}

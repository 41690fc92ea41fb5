package services

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/domain"
	"github.com/xuri/excelize/v2"
)

const (
	reportSheet          = "隐私检测报告"
	placeholderRow       = "no data captured"
	defaultRecordSubject = "APP本身"
)

var (
	reportHeaders   = []string{"时间", "行为主体", "操作行为", "行为描述", "传入参数"}
	timestampRegexp = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)
)

// ParsePrivacyRecords extracts behaviour records from Frida console output.
// A record line looks like
//
//	APP行为：<action>、行为主体：<subject>、行为描述：<desc>、传入参数：<params>
//
// optionally with a timestamp anywhere on the line.
func ParsePrivacyRecords(lines []string) []domain.PrivacyRecord {
	var records []domain.PrivacyRecord
	for _, line := range lines {
		if !logstream.IsPrivacyEvent(line) {
			continue
		}

		var rec domain.PrivacyRecord
		for _, part := range strings.Split(strings.TrimSpace(line), "、") {
			switch {
			case strings.Contains(part, "行为主体："):
				rec.Subject = valueAfter(part, "行为主体：")
			case strings.Contains(part, "行为描述："):
				rec.Description = valueAfter(part, "行为描述：")
			case strings.Contains(part, "传入参数："):
				rec.Params = valueAfter(part, "传入参数：")
			case strings.Contains(part, logstream.PrivacyEventMarker):
				rec.Behaviour = valueAfter(part, logstream.PrivacyEventMarker)
			}
		}
		rec.Time = timestampRegexp.FindString(line)
		if rec.Subject == "" {
			rec.Subject = defaultRecordSubject
		}
		records = append(records, rec)
	}
	return records
}

func valueAfter(part, key string) string {
	_, v, _ := strings.Cut(part, key)
	return strings.TrimSpace(v)
}

// BuildWorkbook renders records as an XLSX workbook. An empty record set
// yields a single placeholder row.
func BuildWorkbook(records []domain.PrivacyRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return nil, err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, err
	}

	for i, h := range reportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(reportSheet, cell, h); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(reportSheet, "A1", "E1", headerStyle); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(reportSheet, "A", "A", 20); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(reportSheet, "B", "E", 32); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		if err := f.SetCellValue(reportSheet, "A2", placeholderRow); err != nil {
			return nil, err
		}
	}

	for i, r := range records {
		row := []any{r.Time, r.Subject, r.Behaviour, r.Description, r.Params}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(reportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

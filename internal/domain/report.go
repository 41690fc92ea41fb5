package domain

// StopResult describes what a stop request did.
type StopResult struct {
	TaskID         string           `json:"task_id"`
	State          TaskState        `json:"state"`
	AlreadyStopped bool             `json:"already_stopped"`
	Actions        []CleanupOutcome `json:"actions,omitempty"`
}

type CleanupOutcome struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report is a retrieved or regenerated artifact held in memory.
type Report struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
	Warning     string `json:"warning,omitempty"`
	Regenerated bool   `json:"regenerated"`
}

type ReportInfo struct {
	TaskID   string `json:"task_id"`
	Path     string `json:"path"`
	FileName string `json:"file_name"`
}

// PrivacyRecord is one captured behaviour row of a privacy report.
type PrivacyRecord struct {
	Time        string
	Subject     string
	Description string
	Params      string
	Behaviour   string
}

type UploadedFile struct {
	OriginalName string `json:"original_filename"`
	FileName     string `json:"file_name"`
	RemotePath   string `json:"remote_path"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
}

package dto

import (
	"strconv"
	"strings"

	"github.com/probehub/backend/internal/domain"
)

type StartTaskRequest struct {
	TaskID string            `json:"task_id"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params"`
}

func (r *StartTaskRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.Kind) == "" {
		errors = append(errors, "kind is required")
	}
	return errors
}

type StartDynamicRequest struct {
	TaskID  string `json:"task_id"`
	ApkPath string `json:"apk_path"`
}

func (r *StartDynamicRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.ApkPath) == "" {
		errors = append(errors, "apk_path is required")
	}
	return errors
}

func (r *StartDynamicRequest) Params() map[string]string {
	return map[string]string{"apk_path": strings.TrimSpace(r.ApkPath)}
}

type StartPrivacyRequest struct {
	TaskID      string `json:"task_id"`
	PackageName string `json:"package_name"`
	Duration    int    `json:"duration"`
	Mode        string `json:"mode"`
	Modules     string `json:"modules"`
}

func (r *StartPrivacyRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.PackageName) == "" {
		errors = append(errors, "package_name is required")
	}
	if r.Duration < 0 {
		errors = append(errors, "duration must not be negative")
	}
	return errors
}

func (r *StartPrivacyRequest) Params() map[string]string {
	p := map[string]string{"package_name": strings.TrimSpace(r.PackageName)}
	if r.Duration > 0 {
		p["duration"] = strconv.Itoa(r.Duration)
	}
	if r.Mode != "" {
		p["mode"] = r.Mode
	}
	if r.Modules != "" {
		p["modules"] = r.Modules
	}
	return p
}

type StartTaskResponse struct {
	Task   *domain.Task `json:"task"`
	VNCURL string       `json:"vnc_url,omitempty"`
}

package services

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/domain"
)

var (
	taskIDPattern      = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	packageNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)
	modulePattern      = regexp.MustCompile(`^[A-Za-z_]+$`)
)

const maxPrivacyDuration = 24 * 60 * 60

// JobSpec is a fully resolved job: the remote command line plus what is
// needed to stop it and find its artifact.
type JobSpec struct {
	Kind       domain.JobKind
	Params     map[string]string
	Command    string
	ReportPath string
	Cleanup    CleanupPlan
}

type jobBuilder func(taskID string, params map[string]string) (*JobSpec, error)

type jobKinds struct {
	analysis config.AnalysisConfig
	cleanup  config.CleanupConfig
	builders map[domain.JobKind]jobBuilder
}

func newJobKinds(analysis config.AnalysisConfig, cleanup config.CleanupConfig) *jobKinds {
	k := &jobKinds{analysis: analysis, cleanup: cleanup}
	k.builders = map[domain.JobKind]jobBuilder{
		domain.JobKindDynamic: k.buildDynamic,
		domain.JobKindPrivacy: k.buildPrivacy,
	}
	return k
}

func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidTaskID, id, taskIDPattern)
	}
	return nil
}

func (k *jobKinds) build(kind domain.JobKind, taskID string, params map[string]string) (*JobSpec, error) {
	builder, ok := k.builders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
	if params == nil {
		params = map[string]string{}
	}
	job, err := builder(taskID, params)
	if err != nil {
		return nil, err
	}
	job.Cleanup = k.cleanupPlan(job.Kind)
	return job, nil
}

func (k *jobKinds) reportPath(taskID string) string {
	name := fmt.Sprintf("%s_%s.%s", k.analysis.ReportPrefix, taskID, k.analysis.ReportExt)
	return path.Join(k.analysis.ReportDir, name)
}

// buildDynamic runs the device analysis script against an uploaded APK:
//
//	python3 <script> <apk> '' '' <taskID>
func (k *jobKinds) buildDynamic(taskID string, params map[string]string) (*JobSpec, error) {
	apkPath := strings.TrimSpace(params["apk_path"])
	if apkPath == "" {
		return nil, fmt.Errorf("%w: apk_path is required", ErrInvalidJobParams)
	}
	if strings.ContainsAny(apkPath, "\n\r\x00") {
		return nil, fmt.Errorf("%w: apk_path contains control characters", ErrInvalidJobParams)
	}

	cmd := shellescape.QuoteCommand([]string{"python3", k.analysis.DynamicScript, apkPath, "", "", taskID})

	return &JobSpec{
		Kind:    domain.JobKindDynamic,
		Params:  map[string]string{"apk_path": apkPath},
		Command: cmd,
	}, nil
}

// buildPrivacy runs the Frida privacy check inside the sandbox container and
// writes the report under the report directory.
func (k *jobKinds) buildPrivacy(taskID string, params map[string]string) (*JobSpec, error) {
	pkg := strings.TrimSpace(params["package_name"])
	if !packageNamePattern.MatchString(pkg) {
		return nil, fmt.Errorf("%w: package_name %q is not a valid package name", ErrInvalidJobParams, pkg)
	}

	duration := k.analysis.DefaultSeconds
	if raw := strings.TrimSpace(params["duration"]); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d <= 0 || d > maxPrivacyDuration {
			return nil, fmt.Errorf("%w: duration must be 1..%d seconds", ErrInvalidJobParams, maxPrivacyDuration)
		}
		duration = d
	}

	mode := strings.ToLower(strings.TrimSpace(params["mode"]))
	switch mode {
	case "":
		mode = "spawn"
	case "spawn", "attach":
	default:
		return nil, fmt.Errorf("%w: mode must be spawn or attach", ErrInvalidJobParams)
	}

	modules := strings.TrimSpace(params["modules"])
	if modules == "" {
		modules = "all"
	}
	if modules != "all" {
		for _, m := range strings.Split(modules, ",") {
			if !modulePattern.MatchString(strings.TrimSpace(m)) {
				return nil, fmt.Errorf("%w: invalid module %q", ErrInvalidJobParams, m)
			}
		}
		modules = strings.ReplaceAll(modules, " ", "")
	}

	reportPath := k.reportPath(taskID)

	args := []string{"python3", k.analysis.FridaScript, pkg, "-d", strconv.Itoa(duration)}
	if mode == "attach" {
		args = append(args, "-ia")
	}
	if modules != "all" {
		args = append(args, "-u", modules)
	}
	args = append(args, "-f", reportPath)

	inner := shellescape.QuoteCommand(args)
	cmd := fmt.Sprintf("mkdir -p %s && docker exec -i -u 0 %s bash -c %s",
		shellescape.Quote(k.analysis.ReportDir),
		shellescape.Quote(k.analysis.ContainerName),
		shellescape.Quote(inner),
	)

	return &JobSpec{
		Kind: domain.JobKindPrivacy,
		Params: map[string]string{
			"package_name": pkg,
			"duration":     strconv.Itoa(duration),
			"mode":         mode,
			"modules":      modules,
		},
		Command:    cmd,
		ReportPath: reportPath,
	}, nil
}

func (k *jobKinds) actionTimeout() time.Duration {
	if k.cleanup.ActionTimeout > 0 {
		return k.cleanup.ActionTimeout
	}
	return 30 * time.Second
}

func (k *jobKinds) cleanupBudget() time.Duration {
	if k.cleanup.Budget > 0 {
		return k.cleanup.Budget
	}
	return 35 * time.Second
}

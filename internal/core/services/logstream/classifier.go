package logstream

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Verdict int

const (
	Surface Verdict = iota
	Suppress
	AlwaysSurface
)

func (v Verdict) String() string {
	switch v {
	case Surface:
		return "surface"
	case Suppress:
		return "suppress"
	case AlwaysSurface:
		return "always_surface"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Classifier decides whether a console line reaches the live subscriber.
// It never affects the transcript.
type Classifier interface {
	Classify(line string) Verdict
}

// PrivacyEventMarker prefixes one captured privacy-relevant API call in the
// Frida output.
const PrivacyEventMarker = "APP行为："

func IsPrivacyEvent(line string) bool {
	return strings.Contains(line, PrivacyEventMarker)
}

// PatternClassifier matches substrings. Always patterns win over noise
// patterns; blank lines are suppressed.
type PatternClassifier struct {
	Always []string `yaml:"always"`
	Noise  []string `yaml:"noise"`
}

func DefaultClassifier() *PatternClassifier {
	return &PatternClassifier{
		Always: []string{
			"✅", "❌", "⚠️",
			"[SUCCESS]", "[ERROR]", "[WARN]", "SUCCESS", "ERROR",
			PrivacyEventMarker, "行为主体：",
			"Hook脚本加载成功", "Hook初始化完成", "已附加到进程", "检测完成",
		},
		Noise: []string{
			"调用堆栈：",
			"android.app.", "com.android.", "java.lang.",
			"Native Method", "Handler.java", "Looper.java",
			"ApplicationPackageManager",
			"com.mob.tools", "com.mob.commons",
		},
	}
}

// LoadClassifier reads pattern sets from a YAML file with "always" and
// "noise" lists. An empty path yields the defaults.
func LoadClassifier(path string) (*PatternClassifier, error) {
	if path == "" {
		return DefaultClassifier(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("logstream: read patterns: %w", err)
	}

	var c PatternClassifier
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("logstream: parse patterns %s: %w", path, err)
	}
	return &c, nil
}

func (c *PatternClassifier) Classify(line string) Verdict {
	if strings.TrimSpace(line) == "" {
		return Suppress
	}
	for _, p := range c.Always {
		if p != "" && strings.Contains(line, p) {
			return AlwaysSurface
		}
	}
	for _, p := range c.Noise {
		if p != "" && strings.Contains(line, p) {
			return Suppress
		}
	}
	return Surface
}

// SurfaceAll delivers every line under the normal rate limit.
type SurfaceAll struct{}

func (SurfaceAll) Classify(string) Verdict { return Surface }

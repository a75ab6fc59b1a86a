package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/scheduler"
)

var semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Manifest is the optional YAML sidecar of a plugin file.
type Manifest struct {
	Name       string         `yaml:"name"`
	Version    string         `yaml:"version"`
	Entrypoint string         `yaml:"entrypoint"`
	Priority   string         `yaml:"priority"`
	Limits     ManifestLimits `yaml:"limits"`
}

// ManifestLimits overrides the default limits. Zero values keep the default.
type ManifestLimits struct {
	CPUBudget       time.Duration `yaml:"cpu_budget"`
	WallTimeout     time.Duration `yaml:"wall_timeout"`
	MemoryCeiling   uint64        `yaml:"memory_ceiling"`
	MaxHostCalls    int           `yaml:"max_host_calls"`
	HostCallCeiling int           `yaml:"host_call_ceiling"`
	QuotaPolicy     string        `yaml:"quota_policy"`
}

// ValidationError is a single manifest problem.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ManifestPath returns the sidecar path of a plugin file.
func ManifestPath(wasmPath string) string {
	return strings.TrimSuffix(wasmPath, filepath.Ext(wasmPath)) + ".yaml"
}

// LoadManifest loads and parses a plugin manifest from a file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	return &manifest, nil
}

// LoadSidecar returns the manifest next to wasmPath, or nil when there is none.
func LoadSidecar(wasmPath string) (*Manifest, error) {
	m, err := LoadManifest(ManifestPath(wasmPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return m, err
}

// ValidateManifest performs basic validation on a plugin manifest
func ValidateManifest(manifest *Manifest) []ValidationError {
	var errs []ValidationError

	if manifest.Name != "" && !namePattern.MatchString(manifest.Name) {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("invalid plugin name: %s", manifest.Name),
		})
	}

	if manifest.Version != "" && !isValidSemver(manifest.Version) {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("invalid semver format: %s", manifest.Version),
		})
	}

	if _, err := scheduler.ParsePriority(manifest.Priority); err != nil {
		errs = append(errs, ValidationError{Field: "priority", Message: err.Error()})
	}

	if manifest.Limits.QuotaPolicy != "" {
		if _, err := sandbox.ParseQuotaPolicy(manifest.Limits.QuotaPolicy); err != nil {
			errs = append(errs, ValidationError{Field: "limits.quota_policy", Message: err.Error()})
		}
	}

	l := manifest.Limits
	if l.CPUBudget < 0 || l.WallTimeout < 0 || l.MaxHostCalls < 0 || l.HostCallCeiling < 0 {
		errs = append(errs, ValidationError{Field: "limits", Message: "limits cannot be negative"})
	}

	return errs
}

// isValidSemver checks if a version string follows semantic versioning
func isValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}

// Options converts the manifest into load options. Callers should validate
// the manifest first.
func (m *Manifest) Options() (LoadOptions, error) {
	priority, err := scheduler.ParsePriority(m.Priority)
	if err != nil {
		return LoadOptions{}, err
	}
	if m.Priority == "" {
		priority = scheduler.PriorityLow
	}

	limits := sandbox.Limits{
		CPUBudget:       m.Limits.CPUBudget,
		WallTimeout:     m.Limits.WallTimeout,
		MemoryCeiling:   m.Limits.MemoryCeiling,
		MaxHostCalls:    m.Limits.MaxHostCalls,
		HostCallCeiling: m.Limits.HostCallCeiling,
	}
	if m.Limits.QuotaPolicy != "" {
		if limits.QuotaPolicy, err = sandbox.ParseQuotaPolicy(m.Limits.QuotaPolicy); err != nil {
			return LoadOptions{}, err
		}
	}

	return LoadOptions{
		Name:       m.Name,
		Version:    m.Version,
		Entrypoint: m.Entrypoint,
		Priority:   priority,
		Limits:     limits,
	}, nil
}

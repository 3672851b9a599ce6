// Package doctor provides environment preflight checks for moshi.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-moshi/internal/model"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// MinGoMinor is the oldest Go 1.x release the runtime is supported on.
const MinGoMinor = 22

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// GoVersion returns the toolchain version, e.g. runtime.Version().
	GoVersion VersionFunc
	// CPUFeatures lists detected SIMD extensions.
	CPUFeatures func() []string
	// RequiredFeatures fail the run when missing from CPUFeatures.
	RequiredFeatures []string
	// ModelFiles are checkpoint and vocab paths that must exist on disk.
	ModelFiles []string
	// LockDir holds the download lock manifest; empty skips the check.
	LockDir    string
	VerifyLock func(dir string) error
	// Checkpoints opens the checkpoints and runs the model builders.
	Checkpoints func() ([]model.CheckResult, error)
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- Go toolchain -----------------------------------------------------
	if cfg.GoVersion != nil {
		ver, err := cfg.GoVersion()
		if err != nil {
			res.fail(fmt.Sprintf("go version: %v", err))
			fmt.Fprintf(w, "%s go version: unavailable (%v)\n", FailMark, err)
		} else if verErr := checkGoVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("go version: %v", verErr))
			fmt.Fprintf(w, "%s go version %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s go version: %s\n", PassMark, ver)
		}
	}

	// ---- CPU features -----------------------------------------------------
	if cfg.CPUFeatures != nil {
		have := cfg.CPUFeatures()
		if missing := missingFeatures(have, cfg.RequiredFeatures); len(missing) > 0 {
			res.fail(fmt.Sprintf("cpu features: missing %s", strings.Join(missing, ",")))
			fmt.Fprintf(w, "%s cpu features: missing %s\n", FailMark, strings.Join(missing, ","))
		} else if len(have) == 0 {
			fmt.Fprintf(w, "%s cpu features: generic\n", PassMark)
		} else {
			fmt.Fprintf(w, "%s cpu features: %s\n", PassMark, strings.Join(have, ","))
		}
	}

	// ---- model files ------------------------------------------------------
	for _, path := range cfg.ModelFiles {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("model file %q: %v", path, err))
			fmt.Fprintf(w, "%s model file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s model file: %s\n", PassMark, path)
		}
	}

	// ---- lock manifest ----------------------------------------------------
	if cfg.LockDir != "" && cfg.VerifyLock != nil {
		if err := cfg.VerifyLock(cfg.LockDir); err != nil {
			res.fail(fmt.Sprintf("lock manifest: %v", err))
			fmt.Fprintf(w, "%s lock manifest %s: %v\n", FailMark, cfg.LockDir, err)
		} else {
			fmt.Fprintf(w, "%s lock manifest: %s\n", PassMark, cfg.LockDir)
		}
	}

	// ---- checkpoints ------------------------------------------------------
	if cfg.Checkpoints != nil {
		results, err := cfg.Checkpoints()
		for _, r := range results {
			if r.Err != nil {
				res.fail(fmt.Sprintf("checkpoint %s: %v", r.Name, r.Err))
				fmt.Fprintf(w, "%s checkpoint %s (%s): %v\n", FailMark, r.Name, r.Path, r.Err)
			} else {
				fmt.Fprintf(w, "%s checkpoint %s: %s\n", PassMark, r.Name, r.Path)
			}
		}

		if err != nil && len(results) == 0 {
			res.fail(fmt.Sprintf("checkpoints: %v", err))
			fmt.Fprintf(w, "%s checkpoints: %v\n", FailMark, err)
		}
	}

	return res
}

func missingFeatures(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, f := range have {
		set[f] = true
	}

	var missing []string

	for _, f := range want {
		if !set[f] {
			missing = append(missing, f)
		}
	}

	return missing
}

// checkGoVersion returns an error if ver is older than go1.MinGoMinor.
// ver is expected to look like "go1.23.4"; devel builds pass.
func checkGoVersion(ver string) error {
	if strings.HasPrefix(ver, "devel") {
		return nil
	}

	major, minor, err := parseMajorMinor(strings.TrimPrefix(ver, "go"))
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major != 1 {
		return fmt.Errorf("requires Go 1, got %d", major)
	}

	if minor < MinGoMinor {
		return fmt.Errorf("requires Go >=1.%d, got 1.%d", MinGoMinor, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	// Release candidates look like "1.24rc1".
	minorStr := parts[1]
	if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorStr = minorStr[:i]
	}

	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}

package model

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/example/go-moshi/internal/lm"
	"github.com/example/go-moshi/internal/mimi"
)

type VerifyOptions struct {
	MimiPath  string
	LMPath    string
	VocabPath string
	Mimi      mimi.Config
	LM        lm.Config
	Logger    *slog.Logger
}

// CheckResult is the outcome of one verification step.
type CheckResult struct {
	Name string
	Path string
	Err  error
}

// Verify opens every configured checkpoint and runs its builder, so shape
// and configuration errors surface before a session starts. Empty paths
// are skipped.
func Verify(opts VerifyOptions) ([]CheckResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	checks := []struct {
		name string
		path string
		run  func(string) error
	}{
		{"mimi", opts.MimiPath, func(p string) error { return verifyMimi(p, opts.Mimi) }},
		{"lm", opts.LMPath, func(p string) error { return verifyLM(p, opts.LM) }},
		{"vocab", opts.VocabPath, verifyVocab},
	}

	var (
		results  []CheckResult
		failures []string
	)

	for _, c := range checks {
		if c.path == "" {
			continue
		}

		err := c.run(c.path)
		results = append(results, CheckResult{Name: c.name, Path: c.path, Err: err})

		if err != nil {
			logger.Error("verify failed", "check", c.name, "path", c.path, "error", err)
			failures = append(failures, c.name)

			continue
		}

		logger.Info("verify passed", "check", c.name, "path", c.path)
	}

	if len(results) == 0 {
		return nil, errors.New("model: nothing to verify")
	}

	if len(failures) > 0 {
		return results, fmt.Errorf("model: verify failed for %d check(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return results, nil
}

func verifyMimi(path string, cfg mimi.Config) error {
	_, closeFn, err := mimi.Load(path, cfg)
	if err != nil {
		return err
	}

	return closeFn()
}

func verifyLM(path string, cfg lm.Config) error {
	_, closeFn, err := lm.Load(path, cfg)
	if err != nil {
		return err
	}

	return closeFn()
}

func verifyVocab(path string) error {
	v, err := lm.LoadVocab(path)
	if err != nil {
		return err
	}

	if len(v) == 0 {
		return fmt.Errorf("model: vocab %s is empty", path)
	}

	return nil
}

// VerifyLock recomputes the sha256 of every file recorded in dir's lock
// manifest.
func VerifyLock(dir string) error {
	lock := readLockManifest(filepath.Join(dir, LockFileName))
	if len(lock.Files) == 0 {
		return fmt.Errorf("model: no lock manifest entries in %s", dir)
	}

	for name, rec := range lock.Files {
		actual, err := fileSHA256(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return err
		}

		if actual != strings.ToLower(rec.SHA256) {
			return fmt.Errorf("%w for %s: expected %s got %s", ErrChecksumMismatch, name, rec.SHA256, actual)
		}
	}

	return nil
}

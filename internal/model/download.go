package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultHubURL is the Hugging Face hub.
const DefaultHubURL = "https://huggingface.co"

// ErrChecksumMismatch reports a downloaded file whose sha256 differs from
// the pinned or resolved value.
var ErrChecksumMismatch = errors.New("model: checksum mismatch")

type DownloadOptions struct {
	Repo    string
	OutDir  string
	HFToken string
	// HubURL overrides DefaultHubURL.
	HubURL string
	Client *http.Client
	Logger *slog.Logger
}

type ErrAccessDenied struct {
	Repo string
	Msg  string
}

func (e *ErrAccessDenied) Error() string {
	if e.Msg != "" {
		return e.Msg
	}

	return fmt.Sprintf("access denied for %s", e.Repo)
}

// LockFileName records the resolved revision and sha256 of each download.
const LockFileName = "download-manifest.lock.json"

type lockManifest struct {
	Repo      string                `json:"repo"`
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

type hub struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

func (h hub) url(repo string, f ModelFile) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(h.base, "/"), repo, f.Revision, f.Filename)
}

func (h hub) request(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	return req, nil
}

// Download fetches every file of the repo's pinned manifest into OutDir,
// skipping files whose checksum already matches.
func Download(ctx context.Context, opts DownloadOptions) error {
	if opts.Repo == "" {
		return errors.New("repo is required")
	}

	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}

	manifest, err := PinnedManifest(opts.Repo)
	if err != nil {
		return err
	}

	h := hub{base: opts.HubURL, token: opts.HFToken, client: opts.Client, logger: opts.Logger}
	if h.base == "" {
		h.base = DefaultHubURL
	}

	if h.client == nil {
		h.client = &http.Client{}
	}

	if h.logger == nil {
		h.logger = slog.Default()
	}

	return downloadManifest(ctx, h, manifest, opts.OutDir)
}

func downloadManifest(ctx context.Context, h hub, manifest Manifest, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	lockPath := filepath.Join(outDir, LockFileName)
	lock := readLockManifest(lockPath)
	lock.Repo = manifest.Repo
	lock.Generated = time.Now().UTC().Format(time.RFC3339)

	for _, f := range manifest.Files {
		expected := strings.ToLower(f.SHA256)
		if expected == "" {
			if lr, ok := lock.Files[f.Filename]; ok && lr.Revision == f.Revision && isSHA256Hex(lr.SHA256) {
				expected = strings.ToLower(lr.SHA256)
			} else {
				resolved, err := resolveChecksum(ctx, h, manifest.Repo, f)
				if err != nil {
					return err
				}

				expected = resolved
			}
		}

		localPath := filepath.Join(outDir, filepath.FromSlash(f.Filename))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local subdir: %w", err)
		}

		ok, err := existingMatches(localPath, expected)
		if err != nil {
			return err
		}

		if ok {
			h.logger.Info("checksum match, skipping", "file", f.Filename)
			lock.Files[f.Filename] = lockRecord{Revision: f.Revision, SHA256: expected}

			continue
		}

		h.logger.Info("downloading", "file", f.Filename, "revision", f.Revision, "path", localPath)

		actual, err := downloadFile(ctx, h, manifest.Repo, f, localPath)
		if err != nil {
			return err
		}

		if actual != expected {
			_ = os.Remove(localPath)
			return fmt.Errorf("%w for %s: expected %s got %s", ErrChecksumMismatch, f.Filename, expected, actual)
		}

		h.logger.Info("verified", "file", f.Filename, "sha256", actual)
		lock.Files[f.Filename] = lockRecord{Revision: f.Revision, SHA256: expected}
	}

	if err := writeLockManifest(lockPath, lock); err != nil {
		return err
	}

	h.logger.Info("wrote lock manifest", "path", lockPath)

	return nil
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("stat existing file: %w", err)
	}

	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}

	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}

	return actual == expected, nil
}

// progressWriter logs download progress at most every interval.
type progressWriter struct {
	logger   *slog.Logger
	file     string
	total    int64
	written  int64
	last     time.Time
	interval time.Duration
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))

	if time.Since(p.last) > p.interval {
		p.logger.Debug("download progress", "file", p.file, "bytes", p.written, "total", p.total)
		p.last = time.Now()
	}

	return len(b), nil
}

func downloadFile(ctx context.Context, h hub, repo string, file ModelFile, outPath string) (string, error) {
	req, err := h.request(ctx, http.MethodGet, h.url(repo, file))
	if err != nil {
		return "", err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, repo, file, 299); err != nil {
		return "", err
	}

	tmp := outPath + ".tmp"

	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	sum := sha256.New()
	progress := &progressWriter{logger: h.logger, file: file.Filename, total: resp.ContentLength, last: time.Now(), interval: 700 * time.Millisecond}

	if _, err := io.Copy(io.MultiWriter(fh, sum, progress), resp.Body); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)

		return "", fmt.Errorf("download read failed: %w", err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return hex.EncodeToString(sum.Sum(nil)), nil
}

func resolveChecksum(ctx context.Context, h hub, repo string, f ModelFile) (string, error) {
	req, err := h.request(ctx, http.MethodHead, h.url(repo, f))
	if err != nil {
		return "", err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed for %s: %w", f.Filename, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, repo, f, 399); err != nil {
		return "", err
	}

	for _, key := range []string{"X-Linked-Etag", "X-Repo-Commit", "Etag"} {
		if v := normalizeETag(resp.Header.Get(key)); isSHA256Hex(v) {
			return strings.ToLower(v), nil
		}
	}

	return "", fmt.Errorf("unable to resolve sha256 metadata for %s; provide pinned checksum", f.Filename)
}

func checkStatus(resp *http.Response, repo string, f ModelFile, maxOK int) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ErrAccessDenied{
			Repo: repo,
			Msg:  fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-token", repo),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > maxOK {
		return fmt.Errorf("request failed for %s: %s", f.Filename, resp.Status)
	}

	return nil
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, "\"")
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, "\"")

	return v
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readLockManifest(path string) lockManifest {
	out := lockManifest{Files: map[string]lockRecord{}}

	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}

	if err := json.Unmarshal(b, &out); err != nil {
		return lockManifest{Files: map[string]lockRecord{}}
	}

	if out.Files == nil {
		out.Files = map[string]lockRecord{}
	}

	return out
}

func writeLockManifest(path string, lock lockManifest) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock manifest: %w", err)
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write lock manifest: %w", err)
	}

	return nil
}

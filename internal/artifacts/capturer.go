// Package artifacts persists evidence captured from job executions:
// screenshots, DOM snapshots, HAR logs, console output, cookies and storage.
// Every capture is best-effort; a failed kind records its error and the job
// carries on.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marionette/backend/internal/browser"
)

// Kind names one capturable artifact.
type Kind string

const (
	KindScreenshotFull     Kind = "screenshot_full"
	KindScreenshotViewport Kind = "screenshot_viewport"
	KindHAR                Kind = "har"
	KindConsole            Kind = "console"
	KindDOM                Kind = "dom"
	KindCookies            Kind = "cookies"
	KindStorage            Kind = "storage"
)

var extensions = map[Kind]string{
	KindScreenshotFull:     "png",
	KindScreenshotViewport: "png",
	KindHAR:                "har",
	KindConsole:            "json",
	KindDOM:                "html",
	KindCookies:            "json",
	KindStorage:            "json",
}

// Artifact describes one persisted capture.
type Artifact struct {
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Capturer writes artifacts under <root>/<job_id>/.
type Capturer struct {
	root string
}

// NewCapturer creates the artifact root when missing.
func NewCapturer(root string) (*Capturer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact root: %w", err)
	}
	return &Capturer{root: root}, nil
}

// Root returns the artifact root directory.
func (c *Capturer) Root() string { return c.root }

// JobDir returns (and creates) the directory for one job's artifacts.
func (c *Capturer) JobDir(jobID string) (string, error) {
	dir := filepath.Join(c.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("job artifact dir: %w", err)
	}
	return dir, nil
}

// Capture collects the requested kinds from the page. Failures are recorded
// per kind, never returned as an error.
func (c *Capturer) Capture(ctx context.Context, jobID string, page browser.Page, kinds ...Kind) []Artifact {
	out := make([]Artifact, 0, len(kinds))
	for _, kind := range kinds {
		data, err := c.collect(ctx, page, kind)
		if err != nil {
			slog.Warn("artifact capture failed", "event", "artifact_failed",
				"job_id", jobID, "kind", string(kind), "error", err)
			out = append(out, Artifact{Kind: kind, Error: err.Error(), Timestamp: time.Now().UTC()})
			continue
		}
		art, err := c.Write(jobID, kind, data)
		if err != nil {
			out = append(out, Artifact{Kind: kind, Error: err.Error(), Timestamp: time.Now().UTC()})
			continue
		}
		out = append(out, art)
	}
	return out
}

func (c *Capturer) collect(ctx context.Context, page browser.Page, kind Kind) ([]byte, error) {
	switch kind {
	case KindScreenshotFull:
		return page.Screenshot(ctx, true)
	case KindScreenshotViewport:
		return page.Screenshot(ctx, false)
	case KindDOM:
		html, err := page.Content(ctx)
		return []byte(html), err
	case KindConsole:
		msgs, err := page.ConsoleMessages(ctx)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(msgs, "", "  ")
	case KindCookies:
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(cookies, "", "  ")
	case KindStorage:
		local, session, err := page.StorageDump(ctx)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(map[string]interface{}{
			"localStorage":   local,
			"sessionStorage": session,
		}, "", "  ")
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// Write persists raw bytes as an artifact of the given kind and refreshes
// the job's "latest" alias for that kind.
func (c *Capturer) Write(jobID string, kind Kind, data []byte) (Artifact, error) {
	dir, err := c.JobDir(jobID)
	if err != nil {
		return Artifact{}, err
	}

	ext := extensions[kind]
	if ext == "" {
		ext = "bin"
	}
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s.%s", now.Format("20060102T150405.000"), kind, ext)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	sum := sha256.Sum256(data)
	art := Artifact{
		Kind:      kind,
		Path:      path,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
		Timestamp: now,
	}

	// Best-effort "latest" alias; some filesystems refuse symlinks.
	alias := filepath.Join(dir, fmt.Sprintf("latest_%s.%s", kind, ext))
	os.Remove(alias)
	if err := os.Symlink(name, alias); err != nil {
		if err := os.WriteFile(alias, data, 0o644); err != nil {
			slog.Debug("latest alias not updated", "job_id", jobID, "kind", string(kind), "error", err)
		}
	}

	return art, nil
}

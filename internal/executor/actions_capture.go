package executor

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marionette/backend/internal/artifacts"
	"github.com/marionette/backend/internal/browser"
	"github.com/marionette/backend/internal/core"
)

// fileDownload triggers a download, persists it under the job's artifact
// directory and verifies it against the configured bounds and checksums.
// A .meta.json sidecar records provenance next to the file.
func (e *Executor) fileDownload(ctx context.Context, job *core.Job, page browser.Page, payload Payload) (map[string]interface{}, error) {
	cfg, err := ParseDownload(payload)
	if err != nil {
		return nil, err
	}

	trigger := func() error { return page.Click(ctx, cfg.Selector) }
	if cfg.Trigger == "link" || cfg.Trigger == "api" {
		trigger = func() error {
			return page.Navigate(ctx, cfg.LinkURL, browser.WaitLoad, selectorWait)
		}
	}

	dl, err := page.Download(ctx, trigger)
	if err != nil {
		return nil, core.Retryable("download", "triggering download", err)
	}

	size := int64(len(dl.Data))
	if cfg.MinSizeBytes > 0 && size < cfg.MinSizeBytes {
		return nil, core.Fatal("download_too_small",
			fmt.Sprintf("%d bytes, minimum %d", size, cfg.MinSizeBytes), nil)
	}
	if cfg.MaxSizeBytes > 0 && size > cfg.MaxSizeBytes {
		return nil, core.Fatal("download_too_large",
			fmt.Sprintf("%d bytes, maximum %d", size, cfg.MaxSizeBytes), nil)
	}

	sha := sha256.Sum256(dl.Data)
	shaHex := hex.EncodeToString(sha[:])
	if cfg.ExpectedSHA256 != "" && !strings.EqualFold(cfg.ExpectedSHA256, shaHex) {
		return nil, core.Fatal("download_checksum",
			"sha256 mismatch: got "+shaHex, nil)
	}

	meta := map[string]interface{}{
		"filename":      dl.Filename,
		"size_bytes":    size,
		"sha256":        shaHex,
		"mime_type":     http.DetectContentType(dl.Data),
		"source_url":    job.URL,
		"trigger":       cfg.Trigger,
		"downloaded_at": time.Now().UTC().Format(time.RFC3339),
	}
	if cfg.ComputeMD5 {
		md := md5.Sum(dl.Data)
		meta["md5"] = hex.EncodeToString(md[:])
	}
	if strings.HasPrefix(string(dl.Data), "%PDF-") && len(dl.Data) > 8 {
		meta["pdf_version"] = string(dl.Data[5:8])
	}
	if cfg.VirusScan {
		if e.scan != nil {
			if err := e.scan(dl.Data); err != nil {
				return nil, core.Fatal("download_infected", "virus scan rejected file", err)
			}
			meta["virus_scan"] = "clean"
		} else {
			meta["virus_scan"] = "unavailable"
		}
	}

	jobDir, err := e.capturer.JobDir(job.ID)
	if err != nil {
		return nil, core.Retryable("download_store", "creating artifact dir", err)
	}
	dir := filepath.Join(jobDir, "downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.Retryable("download_store", "creating downloads dir", err)
	}

	path := filepath.Join(dir, filepath.Base(dl.Filename))
	if err := os.WriteFile(path, dl.Data, 0o644); err != nil {
		return nil, core.Retryable("download_store", "writing file", err)
	}
	meta["path"] = path

	sidecar, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(path+".meta.json", sidecar, 0o644); err != nil {
		return nil, core.Retryable("download_store", "writing sidecar", err)
	}

	return meta, nil
}

// screenshotCapture grabs full-page and/or viewport shots, optionally
// bracketing a triggering click with before/after pairs.
func (e *Executor) screenshotCapture(ctx context.Context, job *core.Job, page browser.Page, payload Payload) (map[string]interface{}, error) {
	cfg := ParseScreenshot(payload)

	var kinds []artifacts.Kind
	if cfg.FullPage {
		kinds = append(kinds, artifacts.KindScreenshotFull)
	}
	if cfg.Viewport {
		kinds = append(kinds, artifacts.KindScreenshotViewport)
	}
	if len(kinds) == 0 {
		kinds = []artifacts.Kind{artifacts.KindScreenshotFull}
	}

	details := map[string]interface{}{}
	if cfg.BeforeAfter && cfg.TriggerSel != "" {
		details["before"] = e.capturer.Capture(ctx, job.ID, page, kinds...)
		if err := page.Click(ctx, cfg.TriggerSel); err != nil {
			return nil, core.Retryable("screenshot_trigger", "clicking "+cfg.TriggerSel, err)
		}
		if err := page.WaitForNetworkIdle(ctx, selectorWait); err != nil {
			return nil, core.Retryable("screenshot_settle", "waiting after trigger", err)
		}
		details["after"] = e.capturer.Capture(ctx, job.ID, page, kinds...)
		return details, nil
	}

	details["artifacts"] = e.capturer.Capture(ctx, job.ID, page, kinds...)
	return details, nil
}

// screenshotDiff takes before/after shots around a trigger and reports
// change metrics. Metrics are content-hash based; rendered diff imagery is
// out of scope for the control plane.
func (e *Executor) screenshotDiff(ctx context.Context, job *core.Job, page browser.Page, payload Payload) (map[string]interface{}, error) {
	cfg := ParseDiff(payload)

	before, err := page.Screenshot(ctx, true)
	if err != nil {
		return nil, core.Retryable("diff_capture", "before screenshot", err)
	}
	beforeArt, err := e.capturer.Write(job.ID, artifacts.KindScreenshotFull, before)
	if err != nil {
		return nil, core.Retryable("diff_store", "persisting before shot", err)
	}

	if cfg.TriggerSel != "" {
		if err := page.Click(ctx, cfg.TriggerSel); err != nil {
			return nil, core.Retryable("diff_trigger", "clicking "+cfg.TriggerSel, err)
		}
		if err := page.WaitForNetworkIdle(ctx, selectorWait); err != nil {
			return nil, core.Retryable("diff_settle", "waiting after trigger", err)
		}
	} else if cfg.WaitMillis > 0 {
		e.sleep(time.Duration(cfg.WaitMillis) * time.Millisecond)
	}

	after, err := page.Screenshot(ctx, true)
	if err != nil {
		return nil, core.Retryable("diff_capture", "after screenshot", err)
	}
	afterArt, err := e.capturer.Write(job.ID, artifacts.KindScreenshotFull, after)
	if err != nil {
		return nil, core.Retryable("diff_store", "persisting after shot", err)
	}

	changed := beforeArt.SHA256 != afterArt.SHA256
	details := map[string]interface{}{
		"changed":           changed,
		"before_sha256":     beforeArt.SHA256,
		"after_sha256":      afterArt.SHA256,
		"before_size_bytes": beforeArt.SizeBytes,
		"after_size_bytes":  afterArt.SizeBytes,
		"byte_change_ratio": byteChangeRatio(before, after),
	}
	report, _ := json.MarshalIndent(details, "", "  ")
	if art, err := e.capturer.Write(job.ID, artifacts.KindConsole, report); err == nil {
		details["report_path"] = art.Path
	}
	return details, nil
}

// byteChangeRatio is a cheap distance between two captures: fraction of
// positions that differ, with the length delta counted as changed.
func byteChangeRatio(a, b []byte) float64 {
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 0
	}
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	diff := longer - shorter
	for i := 0; i < shorter; i++ {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(longer)
}

// apiIntercept finalises the HAR recorder installed before navigation and
// persists the log.
func (e *Executor) apiIntercept(ctx context.Context, job *core.Job, rec *harRecorder) (map[string]interface{}, error) {
	if rec == nil {
		return nil, core.Fatal("intercept_state", "recorder was never installed", nil)
	}

	// Let straggler responses land before sealing the log.
	if err := rec.page.WaitForNetworkIdle(ctx, selectorWait); err != nil {
		return nil, core.Retryable("intercept_settle", "waiting for network idle", err)
	}
	rec.stop()

	har := rec.buildHAR()
	data, err := json.MarshalIndent(har, "", "  ")
	if err != nil {
		return nil, core.Fatal("intercept_encode", "encoding HAR", err)
	}
	art, err := e.capturer.Write(job.ID, artifacts.KindHAR, data)
	if err != nil {
		return nil, core.Retryable("intercept_store", "persisting HAR", err)
	}

	return map[string]interface{}{
		"entries":  len(har.Log.Entries),
		"har_path": art.Path,
		"sha256":   art.SHA256,
	}, nil
}

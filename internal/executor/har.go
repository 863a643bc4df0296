package executor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marionette/backend/internal/browser"
)

// HAR types follow the 1.2 format, trimmed to the fields the recorder can
// actually observe through the driver.

type HAR struct {
	Log HARLog `json:"log"`
}

type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
}

type HARRequest struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []HARHeader `json:"headers"`
	BodySize    int         `json:"bodySize"`
	PostData    *HARBody    `json:"postData,omitempty"`
}

type HARResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []HARHeader `json:"headers"`
	Content     HARContent  `json:"content"`
}

type HARHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HARBody struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// harRecorder accumulates request/response pairs through the page's
// network hooks. Pairs are matched by request id; entries keep arrival
// order of the requests.
type harRecorder struct {
	page   browser.Page
	filter string
	bodies bool

	mu        sync.Mutex
	requests  []browser.NetworkRequest
	responses map[string]browser.NetworkResponse
	unhook    func()
	stopped   bool
}

// startHAR installs the network hooks and begins recording.
func startHAR(ctx context.Context, page browser.Page, cfg *InterceptConfig) (*harRecorder, error) {
	rec := &harRecorder{
		page:      page,
		filter:    cfg.URLFilter,
		bodies:    cfg.IncludeBody,
		responses: map[string]browser.NetworkResponse{},
	}
	unhook, err := page.HookNetwork(ctx, rec.onRequest, rec.onResponse)
	if err != nil {
		return nil, err
	}
	rec.unhook = unhook
	return rec, nil
}

func (r *harRecorder) onRequest(req browser.NetworkRequest) {
	if r.filter != "" && !strings.Contains(req.URL, r.filter) {
		return
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

func (r *harRecorder) onResponse(resp browser.NetworkResponse) {
	r.mu.Lock()
	r.responses[resp.RequestID] = resp
	r.mu.Unlock()
}

// stop unregisters the hooks. Safe to call more than once.
func (r *harRecorder) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.unhook != nil {
		r.unhook()
	}
}

// buildHAR seals the recording into a HAR 1.2 document. Requests without a
// matched response get a zero-status placeholder entry.
func (r *harRecorder) buildHAR() *HAR {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]HAREntry, 0, len(r.requests))
	for _, req := range r.requests {
		entry := HAREntry{
			StartedDateTime: req.Timestamp.UTC().Format(time.RFC3339Nano),
			Request: HARRequest{
				Method:      req.Method,
				URL:         req.URL,
				HTTPVersion: "HTTP/1.1",
				Headers:     toHARHeaders(req.Headers),
				BodySize:    len(req.Body),
			},
			Response: HARResponse{Content: HARContent{MimeType: "x-unknown"}},
		}
		if r.bodies && req.Body != "" {
			entry.Request.PostData = &HARBody{
				MimeType: req.Headers["content-type"],
				Text:     req.Body,
			}
		}

		if resp, ok := r.responses[req.ID]; ok {
			entry.Time = resp.Timestamp.Sub(req.Timestamp).Seconds() * 1000
			entry.Response = HARResponse{
				Status:      resp.Status,
				StatusText:  resp.StatusText,
				HTTPVersion: "HTTP/1.1",
				Headers:     toHARHeaders(resp.Headers),
				Content: HARContent{
					Size:     len(resp.Body),
					MimeType: resp.MimeType,
				},
			}
			if r.bodies {
				entry.Response.Content.Text = resp.Body
			}
		}
		entries = append(entries, entry)
	}

	return &HAR{Log: HARLog{
		Version: "1.2",
		Creator: HARCreator{Name: "marionette", Version: "1.0"},
		Entries: entries,
	}}
}

func toHARHeaders(h map[string]string) []HARHeader {
	out := make([]HARHeader, 0, len(h))
	for name, value := range h {
		out = append(out, HARHeader{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

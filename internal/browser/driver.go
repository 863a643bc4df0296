// Package browser manages a bounded pool of headless-browser instances with
// reusable pages. The driver bindings themselves live behind the Launcher,
// Browser and Page interfaces; production wires a chromedp- or rod-backed
// implementation, tests wire fakes.
package browser

import (
	"context"
	"time"
)

// LaunchOptions configure a new headless browser instance. Automation
// indicators are suppressed and a realistic viewport/user-agent applied at
// launch so every strategy starts from a plausible baseline.
type LaunchOptions struct {
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	// SuppressAutomationFlags removes the driver's default automation
	// switches (e.g. --enable-automation) from the launch command.
	SuppressAutomationFlags bool
}

// DefaultLaunchOptions returns the baseline launch profile.
func DefaultLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Headless:                true,
		UserAgent:               "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:           1920,
		ViewportHeight:          1080,
		SuppressAutomationFlags: true,
	}
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one running headless-browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// WaitUntil names the navigation settle condition.
type WaitUntil string

const (
	WaitLoad        WaitUntil = "load"
	WaitNetworkIdle WaitUntil = "networkidle"
)

// Element is a matched DOM node.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, error)
}

// Cookie mirrors the driver's cookie shape.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
}

// ConsoleMessage is one captured console entry.
type ConsoleMessage struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkRequest and NetworkResponse feed the HAR builder during
// api_intercept jobs.
type NetworkRequest struct {
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type NetworkResponse struct {
	RequestID  string            `json:"request_id"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body,omitempty"`
	MimeType   string            `json:"mime_type"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DownloadResult is what a triggered download yields.
type DownloadResult struct {
	Filename string
	Data     []byte
}

// Page is one tab/page leased to a worker for the duration of a job.
type Page interface {
	Navigate(ctx context.Context, url string, wait WaitUntil, timeout time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error

	SetViewport(ctx context.Context, width, height int) error
	Evaluate(ctx context.Context, script string) (interface{}, error)

	Query(ctx context.Context, selector string) (Element, error)
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	SelectOption(ctx context.Context, selector, value string) error
	SetChecked(ctx context.Context, selector string, checked bool) error

	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	StorageDump(ctx context.Context) (local, session map[string]string, err error)
	ConsoleMessages(ctx context.Context) ([]ConsoleMessage, error)

	// HookNetwork starts request/response capture; the returned stop
	// function unregisters the hooks and must always be called.
	HookNetwork(ctx context.Context, onReq func(NetworkRequest), onResp func(NetworkResponse)) (stop func(), err error)

	// Download performs trigger() and captures the resulting download.
	Download(ctx context.Context, trigger func() error) (*DownloadResult, error)

	// Reset clears navigation state so the page can be reused by the
	// next job on this instance.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

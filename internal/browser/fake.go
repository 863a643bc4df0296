package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Fakes for the driver interfaces. Used by pool, executor and orchestrator
// tests; kept out of _test.go files so other packages can share them.

// FakeLauncher launches FakeBrowsers and counts launches.
type FakeLauncher struct {
	mu        sync.Mutex
	Launched  int
	FailAfter int // fail launches once Launched reaches this (0 = never)
	LastOpts  LaunchOptions
	PageSetup func(*FakePage) // applied to every new page
}

func (l *FakeLauncher) Launch(_ context.Context, opts LaunchOptions) (Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailAfter > 0 && l.Launched >= l.FailAfter {
		return nil, errors.New("launcher: no more browsers")
	}
	l.Launched++
	l.LastOpts = opts
	return &FakeBrowser{launcher: l}, nil
}

// FakeBrowser hands out FakePages.
type FakeBrowser struct {
	launcher  *FakeLauncher
	PagesMade atomic.Int32
	Closed    atomic.Bool
}

func (b *FakeBrowser) NewPage(_ context.Context) (Page, error) {
	if b.Closed.Load() {
		return nil, errors.New("browser closed")
	}
	b.PagesMade.Add(1)
	p := NewFakePage()
	if b.launcher != nil && b.launcher.PageSetup != nil {
		b.launcher.PageSetup(p)
	}
	return p, nil
}

func (b *FakeBrowser) Close(_ context.Context) error {
	b.Closed.Store(true)
	return nil
}

// FakeElement returns canned text/attributes.
type FakeElement struct {
	TextValue  string
	Attributes map[string]string
}

func (e *FakeElement) Text(_ context.Context) (string, error) { return e.TextValue, nil }

func (e *FakeElement) Attribute(_ context.Context, name string) (string, error) {
	if v, ok := e.Attributes[name]; ok {
		return v, nil
	}
	return "", nil
}

// FakePage is a scriptable in-memory page.
type FakePage struct {
	mu sync.Mutex

	// Scripted behaviour
	Elements     map[string][]*FakeElement // selector -> matches
	NavigateErr  error
	HTML         string
	URL          string
	ScreenshotPNG []byte
	DownloadData []byte
	DownloadName string
	NetRequests  []NetworkRequest  // emitted to hooks on Navigate
	NetResponses []NetworkResponse // emitted to hooks on Navigate

	// Recorded interactions
	Navigations []string
	Filled      map[string]string
	Clicked     []string
	Selected    map[string]string
	Checked     map[string]bool
	Evaluated   []string
	Viewports   [][2]int
	CookieJar   []Cookie
	Local       map[string]string
	Session     map[string]string
	Console     []ConsoleMessage
	ResetCount  int
	IsClosed    bool

	onReq  func(NetworkRequest)
	onResp func(NetworkResponse)
}

func NewFakePage() *FakePage {
	return &FakePage{
		Elements:      map[string][]*FakeElement{},
		Filled:        map[string]string{},
		Selected:      map[string]string{},
		Checked:       map[string]bool{},
		Local:         map[string]string{},
		Session:       map[string]string{},
		HTML:          "<html><body>fake</body></html>",
		ScreenshotPNG: []byte("\x89PNG fake"),
	}
}

func (p *FakePage) Navigate(_ context.Context, url string, _ WaitUntil, _ time.Duration) error {
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	p.URL = url
	onReq, onResp := p.onReq, p.onResp
	reqs, resps := p.NetRequests, p.NetResponses
	err := p.NavigateErr
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if onReq != nil {
		for _, r := range reqs {
			onReq(r)
		}
	}
	if onResp != nil {
		for _, r := range resps {
			onResp(r)
		}
	}
	return nil
}

func (p *FakePage) WaitForSelector(_ context.Context, selector string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Elements[selector]) == 0 {
		return fmt.Errorf("timeout waiting for selector %s", selector)
	}
	return nil
}

func (p *FakePage) WaitForNetworkIdle(_ context.Context, _ time.Duration) error { return nil }

func (p *FakePage) SetViewport(_ context.Context, w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Viewports = append(p.Viewports, [2]int{w, h})
	return nil
}

func (p *FakePage) Evaluate(_ context.Context, script string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Evaluated = append(p.Evaluated, script)
	return nil, nil
}

func (p *FakePage) Query(ctx context.Context, selector string) (Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if els := p.Elements[selector]; len(els) > 0 {
		return els[0], nil
	}
	return nil, fmt.Errorf("no element matches %s", selector)
}

func (p *FakePage) QueryAll(_ context.Context, selector string) ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	els := p.Elements[selector]
	out := make([]Element, len(els))
	for i, e := range els {
		out[i] = e
	}
	return out, nil
}

func (p *FakePage) Fill(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Filled[selector] = value
	return nil
}

func (p *FakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Clicked = append(p.Clicked, selector)
	return nil
}

func (p *FakePage) SelectOption(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Selected[selector] = value
	return nil
}

func (p *FakePage) SetChecked(_ context.Context, selector string, checked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Checked[selector] = checked
	return nil
}

func (p *FakePage) Screenshot(_ context.Context, _ bool) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ScreenshotPNG, nil
}

func (p *FakePage) Content(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTML, nil
}

func (p *FakePage) CurrentURL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL, nil
}

func (p *FakePage) Cookies(_ context.Context) ([]Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Cookie(nil), p.CookieJar...), nil
}

func (p *FakePage) SetCookies(_ context.Context, cookies []Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CookieJar = append(p.CookieJar, cookies...)
	return nil
}

func (p *FakePage) StorageDump(_ context.Context) (map[string]string, map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Local, p.Session, nil
}

func (p *FakePage) ConsoleMessages(_ context.Context) ([]ConsoleMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConsoleMessage(nil), p.Console...), nil
}

func (p *FakePage) HookNetwork(_ context.Context, onReq func(NetworkRequest), onResp func(NetworkResponse)) (func(), error) {
	p.mu.Lock()
	p.onReq, p.onResp = onReq, onResp
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.onReq, p.onResp = nil, nil
		p.mu.Unlock()
	}, nil
}

func (p *FakePage) Download(_ context.Context, trigger func() error) (*DownloadResult, error) {
	if err := trigger(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DownloadData == nil {
		return nil, errors.New("no download produced")
	}
	name := p.DownloadName
	if name == "" {
		name = "download.bin"
	}
	return &DownloadResult{Filename: name, Data: p.DownloadData}, nil
}

func (p *FakePage) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResetCount++
	p.URL = ""
	return nil
}

func (p *FakePage) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IsClosed = true
	return nil
}

// Package executor runs admitted jobs against a leased browser page under
// the selected evasion strategy. Payloads arrive as opaque maps at the API
// boundary; each job type gets a typed view parsed and validated here, on
// dispatch rather than admission, so the API shape stays stable.
package executor

import (
	"fmt"

	"github.com/marionette/backend/internal/core"
)

// Payload wraps the job's opaque map with typed accessors.
type Payload map[string]interface{}

func (p Payload) str(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (p Payload) strOr(key, fallback string) string {
	if v := p.str(key); v != "" {
		return v
	}
	return fallback
}

func (p Payload) boolVal(key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

func (p Payload) intVal(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (p Payload) float(key string, fallback float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func (p Payload) list(key string) []interface{} {
	if v, ok := p[key].([]interface{}); ok {
		return v
	}
	return nil
}

func (p Payload) submap(key string) map[string]interface{} {
	if v, ok := p[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// EvasionLevel returns the explicit evasion level, or -1 when absent.
func (p Payload) EvasionLevel() int {
	if _, ok := p["evasion_level"]; !ok {
		return -1
	}
	return p.intVal("evasion_level", -1)
}

// SelectorConfig describes one extraction target.
type SelectorConfig struct {
	Selector  string
	Attribute string // "text" or an attribute name; defaults to text
	Multiple  bool
}

// ExtractConfig is the navigate_extract view.
type ExtractConfig struct {
	Selectors  []SelectorConfig
	CaptureDOM bool
	Screenshot bool
}

// ParseExtract validates and types a navigate_extract payload.
func ParseExtract(p Payload) (*ExtractConfig, error) {
	raw := p.list("selectors")
	if len(raw) == 0 {
		return nil, core.Fatal("bad_payload", "navigate_extract requires selectors", nil)
	}
	cfg := &ExtractConfig{
		CaptureDOM: p.boolVal("capture_dom"),
		Screenshot: p.boolVal("screenshot"),
	}
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, core.Fatal("bad_payload", fmt.Sprintf("selectors[%d] is not an object", i), nil)
		}
		sp := Payload(m)
		sel := sp.str("selector")
		if sel == "" {
			return nil, core.Fatal("bad_payload", fmt.Sprintf("selectors[%d].selector is empty", i), nil)
		}
		cfg.Selectors = append(cfg.Selectors, SelectorConfig{
			Selector:  sel,
			Attribute: sp.strOr("attribute", "text"),
			Multiple:  sp.boolVal("multiple"),
		})
	}
	return cfg, nil
}

// AuthConfig is the authenticate view. Selector defaults cover the common
// login form shapes.
type AuthConfig struct {
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	SuccessIndicator string
	Username         string // overrides vault lookup when set
	Password         string
}

// ParseAuth types an authenticate payload.
func ParseAuth(p Payload) *AuthConfig {
	return &AuthConfig{
		UsernameSelector: p.strOr("username_selector", `input[name="username"], input[type="email"], #username`),
		PasswordSelector: p.strOr("password_selector", `input[name="password"], input[type="password"], #password`),
		SubmitSelector:   p.strOr("submit_selector", `button[type="submit"], input[type="submit"]`),
		SuccessIndicator: p.str("success_indicator"),
		Username:         p.str("username"),
		Password:         p.str("password"),
	}
}

// FormField is one field in a form_submit payload.
type FormField struct {
	Selector string
	Value    string
	Type     string // text, select, checkbox
	Checked  bool
}

// FormConfig is the form_submit view.
type FormConfig struct {
	Fields         []FormField
	SubmitSelector string
	SuccessSel     string
	ErrorSel       string
	ExpectedText   string
}

// ParseForm validates and types a form_submit payload.
func ParseForm(p Payload) (*FormConfig, error) {
	raw := p.list("fields")
	if len(raw) == 0 {
		return nil, core.Fatal("bad_payload", "form_submit requires fields", nil)
	}
	cfg := &FormConfig{
		SubmitSelector: p.strOr("submit_selector", `button[type="submit"], input[type="submit"]`),
		SuccessSel:     p.str("success_selector"),
		ErrorSel:       p.str("error_selector"),
		ExpectedText:   p.str("expected_text"),
	}
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, core.Fatal("bad_payload", fmt.Sprintf("fields[%d] is not an object", i), nil)
		}
		fp := Payload(m)
		sel := fp.str("selector")
		if sel == "" {
			return nil, core.Fatal("bad_payload", fmt.Sprintf("fields[%d].selector is empty", i), nil)
		}
		cfg.Fields = append(cfg.Fields, FormField{
			Selector: sel,
			Value:    fp.str("value"),
			Type:     fp.strOr("type", "text"),
			Checked:  fp.boolVal("checked"),
		})
	}
	return cfg, nil
}

// DownloadConfig is the file_download view.
type DownloadConfig struct {
	Trigger        string // click, link, api
	Selector       string // for click
	LinkURL        string // for link/api
	MinSizeBytes   int64
	MaxSizeBytes   int64
	ExpectedSHA256 string
	ComputeMD5     bool
	VirusScan      bool
}

// ParseDownload validates and types a file_download payload.
func ParseDownload(p Payload) (*DownloadConfig, error) {
	cfg := &DownloadConfig{
		Trigger:        p.strOr("trigger", "click"),
		Selector:       p.str("selector"),
		LinkURL:        p.str("link_url"),
		MinSizeBytes:   int64(p.intVal("min_size_bytes", 0)),
		MaxSizeBytes:   int64(p.intVal("max_size_bytes", 0)),
		ExpectedSHA256: p.str("expected_sha256"),
		ComputeMD5:     p.boolVal("compute_md5"),
		VirusScan:      p.boolVal("virus_scan"),
	}
	switch cfg.Trigger {
	case "click":
		if cfg.Selector == "" {
			return nil, core.Fatal("bad_payload", "file_download click trigger requires selector", nil)
		}
	case "link", "api":
		if cfg.LinkURL == "" {
			return nil, core.Fatal("bad_payload", "file_download link/api trigger requires link_url", nil)
		}
	default:
		return nil, core.Fatal("bad_payload", fmt.Sprintf("unknown download trigger %q", cfg.Trigger), nil)
	}
	return cfg, nil
}

// ScreenshotConfig is the screenshot_capture view.
type ScreenshotConfig struct {
	FullPage      bool
	Viewport      bool
	TriggerSel    string // optional action between before/after shots
	BeforeAfter   bool
}

// ParseScreenshot types a screenshot_capture payload.
func ParseScreenshot(p Payload) *ScreenshotConfig {
	cfg := &ScreenshotConfig{
		FullPage:    true,
		Viewport:    p.boolVal("viewport"),
		TriggerSel:  p.str("trigger_selector"),
		BeforeAfter: p.boolVal("before_after"),
	}
	if v, ok := p["full_page"].(bool); ok {
		cfg.FullPage = v
	}
	return cfg
}

// DiffConfig is the screenshot_diff view.
type DiffConfig struct {
	TriggerSel string
	WaitMillis int
}

// ParseDiff types a screenshot_diff payload.
func ParseDiff(p Payload) *DiffConfig {
	return &DiffConfig{
		TriggerSel: p.str("trigger_selector"),
		WaitMillis: p.intVal("wait_millis", 1000),
	}
}

// InterceptConfig is the api_intercept view.
type InterceptConfig struct {
	URLFilter    string // substring match on request URL; empty captures all
	IncludeBody  bool
}

// ParseIntercept types an api_intercept payload.
func ParseIntercept(p Payload) *InterceptConfig {
	return &InterceptConfig{
		URLFilter:   p.str("url_filter"),
		IncludeBody: p.boolVal("include_body"),
	}
}

package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/marionette/backend/internal/artifacts"
	"github.com/marionette/backend/internal/browser"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/vault"
)

const selectorWait = 10 * time.Second

// navigateExtract collects trimmed text or attribute values for each
// selector config, optionally capturing the DOM and a screenshot alongside.
func (e *Executor) navigateExtract(ctx context.Context, job *core.Job, page browser.Page, payload Payload) (map[string]interface{}, error) {
	cfg, err := ParseExtract(payload)
	if err != nil {
		return nil, err
	}

	extracted := map[string]interface{}{}
	for _, sel := range cfg.Selectors {
		if sel.Multiple {
			els, err := page.QueryAll(ctx, sel.Selector)
			if err != nil {
				return nil, core.Retryable("extract_query", "querying "+sel.Selector, err)
			}
			values := make([]string, 0, len(els))
			for _, el := range els {
				v, err := elementValue(ctx, el, sel.Attribute)
				if err != nil {
					return nil, core.Retryable("extract_read", "reading "+sel.Selector, err)
				}
				values = append(values, v)
			}
			extracted[sel.Selector] = values
			continue
		}

		el, err := page.Query(ctx, sel.Selector)
		if err != nil {
			return nil, core.Fatal("extract_no_match", "no element matches "+sel.Selector, err)
		}
		v, err := elementValue(ctx, el, sel.Attribute)
		if err != nil {
			return nil, core.Retryable("extract_read", "reading "+sel.Selector, err)
		}
		extracted[sel.Selector] = v
	}

	details := map[string]interface{}{"extracted": extracted}

	var kinds []artifacts.Kind
	if cfg.CaptureDOM {
		kinds = append(kinds, artifacts.KindDOM)
	}
	if cfg.Screenshot {
		kinds = append(kinds, artifacts.KindScreenshotFull)
	}
	if len(kinds) > 0 {
		details["artifacts"] = e.capturer.Capture(ctx, job.ID, page, kinds...)
	}
	return details, nil
}

func elementValue(ctx context.Context, el browser.Element, attribute string) (string, error) {
	if attribute == "" || attribute == "text" {
		text, err := el.Text(ctx)
		return strings.TrimSpace(text), err
	}
	v, err := el.Attribute(ctx, attribute)
	return strings.TrimSpace(v), err
}

// authenticate logs into the target, preferring a stored session over a
// fresh credential flow. New sessions are persisted for reuse.
func (e *Executor) authenticate(ctx context.Context, job *core.Job, page browser.Page, payload Payload) (map[string]interface{}, error) {
	cfg := ParseAuth(payload)

	username, password, err := e.resolveCredentials(ctx, job, cfg)
	if err != nil {
		return nil, err
	}

	creds := username + ":" + password

	// A stored session skips the login form entirely. Verify against the
	// success indicator when one is configured; a stale session falls
	// through to a fresh login.
	if e.sessions != nil {
		restored, err := e.sessions.Restore(ctx, job.Domain, creds, page)
		if err != nil {
			slog.Warn("session restore failed", "event", "session_restore_failed",
				"job_id", job.ID, "domain", job.Domain, "error", err)
		} else if restored {
			if err := page.Navigate(ctx, job.URL, browser.WaitNetworkIdle, selectorWait); err == nil {
				if cfg.SuccessIndicator == "" ||
					page.WaitForSelector(ctx, cfg.SuccessIndicator, selectorWait) == nil {
					return map[string]interface{}{
						"authenticated":  true,
						"session_reused": true,
					}, nil
				}
			}
			e.sessions.Drop(ctx, job.Domain, creds)
		}
	}

	if err := page.WaitForSelector(ctx, cfg.UsernameSelector, selectorWait); err != nil {
		return nil, core.Retryable("auth_form", "waiting for login form", err)
	}
	if err := page.Fill(ctx, cfg.UsernameSelector, username); err != nil {
		return nil, core.Retryable("auth_fill", "filling username", err)
	}
	if err := page.Fill(ctx, cfg.PasswordSelector, password); err != nil {
		return nil, core.Retryable("auth_fill", "filling password", err)
	}
	if err := page.Click(ctx, cfg.SubmitSelector); err != nil {
		return nil, core.Retryable("auth_submit", "clicking submit", err)
	}
	if err := page.WaitForNetworkIdle(ctx, selectorWait); err != nil {
		return nil, core.Retryable("auth_settle", "waiting for post-login settle", err)
	}

	if cfg.SuccessIndicator != "" {
		if err := page.WaitForSelector(ctx, cfg.SuccessIndicator, selectorWait); err != nil {
			return nil, core.Fatal("auth_failed", "success indicator never appeared", err)
		}
	}

	sessionSaved := false
	if e.sessions != nil {
		if err := e.sessions.Save(ctx, job.Domain, creds, page); err != nil {
			slog.Warn("session save failed", "event", "session_save_failed",
				"job_id", job.ID, "domain", job.Domain, "error", err)
		} else {
			sessionSaved = true
		}
	}

	return map[string]interface{}{
		"authenticated": true,
		"session_saved": sessionSaved,
	}, nil
}

func (e *Executor) resolveCredentials(ctx context.Context, job *core.Job, cfg *AuthConfig) (string, string, error) {
	username, password := cfg.Username, cfg.Password
	if username == "" {
		u, err := e.vault.Resolve(ctx, job.Domain, vault.CredUsername, job.AuthorizationMode)
		if err != nil {
			return "", "", core.Fatal("auth_credentials", "resolving username", err)
		}
		username = u
	}
	if password == "" {
		p, err := e.vault.Resolve(ctx, job.Domain, vault.CredPassword, job.AuthorizationMode)
		if err != nil {
			return "", "", core.Fatal("auth_credentials", "resolving password", err)
		}
		password = p
	}
	return username, password, nil
}

// formSubmit fills each configured field by type, submits, and validates
// the outcome against the configured selectors and expected text.
func (e *Executor) formSubmit(ctx context.Context, page browser.Page, payload Payload) (map[string]interface{}, error) {
	cfg, err := ParseForm(payload)
	if err != nil {
		return nil, err
	}

	for _, field := range cfg.Fields {
		switch field.Type {
		case "select":
			err = page.SelectOption(ctx, field.Selector, field.Value)
		case "checkbox":
			err = page.SetChecked(ctx, field.Selector, field.Checked)
		default:
			err = page.Fill(ctx, field.Selector, field.Value)
		}
		if err != nil {
			return nil, core.Retryable("form_fill", "setting field "+field.Selector, err)
		}
	}

	if err := page.Click(ctx, cfg.SubmitSelector); err != nil {
		return nil, core.Retryable("form_submit", "clicking submit", err)
	}
	if err := page.WaitForNetworkIdle(ctx, selectorWait); err != nil {
		return nil, core.Retryable("form_settle", "waiting for post-submit settle", err)
	}

	details := map[string]interface{}{"fields_set": len(cfg.Fields)}

	if cfg.ErrorSel != "" {
		if page.WaitForSelector(ctx, cfg.ErrorSel, time.Second) == nil {
			return nil, core.Fatal("form_rejected", "error selector present after submit", nil)
		}
	}
	if cfg.SuccessSel != "" {
		if err := page.WaitForSelector(ctx, cfg.SuccessSel, selectorWait); err != nil {
			return nil, core.Fatal("form_unconfirmed", "success selector never appeared", err)
		}
		details["success_selector_seen"] = true
	}
	if cfg.ExpectedText != "" {
		html, err := page.Content(ctx)
		if err != nil {
			return nil, core.Retryable("form_verify", "reading page content", err)
		}
		if !strings.Contains(html, cfg.ExpectedText) {
			return nil, core.Fatal("form_unconfirmed", "expected text not found after submit", nil)
		}
		details["expected_text_seen"] = true
	}

	if url, err := page.CurrentURL(ctx); err == nil {
		details["final_url"] = url
	}
	return details, nil
}

package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/orchestrator"
)

// JobCreator is the slice of the orchestrator a workflow run needs.
// *orchestrator.Orchestrator satisfies it.
type JobCreator interface {
	CreateJob(ctx context.Context, req orchestrator.CreateJobRequest) (*orchestrator.CreateResult, error)
}

// JobReader loads finished jobs for post-processing.
type JobReader interface {
	Get(ctx context.Context, id string) (*core.Job, error)
}

// Runner turns workflow runs into jobs and post-processes their results.
// Each run creates exactly one job; the runner listens for that job's
// terminal event and finishes the workflow from there.
type Runner struct {
	creator  JobCreator
	jobs     JobReader
	bus      *events.Bus
	webhooks *WebhookSender
	logger   *log.Logger

	mu      sync.Mutex
	pending map[string]*binding // jobID -> run awaiting its job
}

type binding struct {
	wf    *Workflow
	input map[string]interface{}
}

// RunResult is the immediate response of a workflow run. Post-processing
// happens asynchronously when the job finishes.
type RunResult struct {
	WorkflowName string         `json:"workflow_name"`
	JobID        string         `json:"job_id"`
	Status       core.JobStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

func NewRunner(creator JobCreator, jobs JobReader, bus *events.Bus, webhooks *WebhookSender) *Runner {
	return &Runner{
		creator:  creator,
		jobs:     jobs,
		bus:      bus,
		webhooks: webhooks,
		logger:   log.New(log.Writer(), "[WORKFLOW] ", log.LstdFlags),
		pending:  map[string]*binding{},
	}
}

// Start spawns the post-processing loop. It drains until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ch := r.bus.Subscribe(events.TypeJobCompleted, events.TypeJobFailed)
	go func() {
		defer r.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				r.finish(ctx, ev)
			}
		}
	}()
}

// Run validates the input against the workflow's schema, creates the single
// backing job and registers the run for post-processing.
func (r *Runner) Run(ctx context.Context, name string, input map[string]interface{}, userID, ip string) (*RunResult, error) {
	wf, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := wf.ValidateInput(input); err != nil {
		return nil, err
	}

	req, err := buildJobRequest(wf, input)
	if err != nil {
		return nil, err
	}
	req.UserID = userID
	req.IPAddress = ip

	created, err := r.creator.CreateJob(ctx, *req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.pending[created.JobID] = &binding{wf: wf, input: input}
	r.mu.Unlock()

	r.logger.Printf("workflow %s started as job %s", name, created.JobID)
	return &RunResult{
		WorkflowName: name,
		JobID:        created.JobID,
		Status:       created.Status,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// buildJobRequest maps workflow input onto the backing job's payload.
func buildJobRequest(wf *Workflow, input map[string]interface{}) (*orchestrator.CreateJobRequest, error) {
	strategy := wf.DefaultStrategy
	if s := inputString(input, "strategy"); s != "" {
		if !core.ValidStrategy(core.Strategy(s)) {
			return nil, &core.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", s)}
		}
		strategy = core.Strategy(s)
	}

	// Runs execute on the caller's own account, so the backing job defaults
	// to customer_authorized. Templates with a non-vanilla default strategy
	// stay admissible under the public-mode strategy gate.
	mode := core.AuthCustomerAuthorized
	if m := inputString(input, "authorization_mode"); m != "" {
		if !core.ValidAuthorizationMode(core.AuthorizationMode(m)) {
			return nil, &core.ValidationError{Field: "authorization_mode", Reason: fmt.Sprintf("unknown mode %q", m)}
		}
		mode = core.AuthorizationMode(m)
	}

	payload := map[string]interface{}{}
	switch wf.Name {
	case NamePageChangeDetection:
		selectors := []interface{}{}
		for _, s := range inputStrings(input, "selectors") {
			selectors = append(selectors, map[string]interface{}{"selector": s})
		}
		payload["selectors"] = selectors
		payload["capture_dom"] = true
		payload["screenshot"] = true

	case NameJobPostingMonitor:
		fields, err := inputStringMap(input, "extract_fields")
		if err != nil {
			return nil, err
		}
		selectors := []interface{}{}
		for _, sel := range sortedValues(fields) {
			selectors = append(selectors, map[string]interface{}{"selector": sel, "multiple": true})
		}
		payload["selectors"] = selectors

	case NameUptimeSmokeCheck:
		// Selectors go in as multi-matches so a missing element yields an
		// empty list instead of failing the job; absence is a business
		// outcome reported by the workflow, not an execution error.
		selectors := []interface{}{}
		for _, s := range inputStrings(input, "required_selectors") {
			selectors = append(selectors, map[string]interface{}{"selector": s, "multiple": true})
		}
		payload["selectors"] = selectors
		if inputBool(input, "screenshot") {
			payload["screenshot"] = true
		}

	default:
		return nil, fmt.Errorf("workflow %q has no job mapping", wf.Name)
	}

	return &orchestrator.CreateJobRequest{
		Domain:            inputString(input, "domain"),
		URL:               inputString(input, "url"),
		Type:              wf.JobType,
		Strategy:          strategy,
		Payload:           payload,
		Priority:          core.PriorityNormal,
		AuthorizationMode: mode,
	}, nil
}

// ============================================================
// Post-processing
// ============================================================

// finish claims the run bound to a finished job and post-processes it.
func (r *Runner) finish(ctx context.Context, ev *events.Event) {
	r.mu.Lock()
	b, ok := r.pending[ev.Subject]
	if ok {
		delete(r.pending, ev.Subject)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	job, err := r.jobs.Get(ctx, ev.Subject)
	if err != nil {
		r.logger.Printf("workflow %s: loading job %s failed: %v", b.wf.Name, ev.Subject, err)
		return
	}

	var output map[string]interface{}
	switch b.wf.Name {
	case NamePageChangeDetection:
		output = r.finishPageChange(ctx, b, job)
	case NameJobPostingMonitor:
		output = r.finishPostingMonitor(ctx, b, job)
	case NameUptimeSmokeCheck:
		output = r.finishSmokeCheck(ctx, b, job, ev)
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	output["workflow"] = b.wf.Name
	output["job_id"] = job.ID

	r.bus.Emit(events.TypeWorkflowDone, job.ID, output)
	r.logger.Printf("workflow %s finished for job %s", b.wf.Name, job.ID)
}

func (r *Runner) finishPageChange(ctx context.Context, b *binding, job *core.Job) map[string]interface{} {
	if job.Status != core.StatusCompleted {
		return map[string]interface{}{"error": job.Error}
	}

	currentHash := hashExtracted(job.Result)
	baseline := inputString(b.input, "baseline_content")
	changed := baseline != "" && baseline != currentHash

	out := map[string]interface{}{
		"changed":       changed,
		"current_hash":  currentHash,
		"baseline_hash": baseline,
		"alert_sent":    false,
	}
	if changed {
		out["diff_summary"] = fmt.Sprintf("content hash changed from %s to %s", baseline, currentHash)
	}

	webhookURL := inputString(b.input, "webhook_url")
	if changed && inputBool(b.input, "alert_on_change") && webhookURL != "" {
		out["alert_sent"] = r.deliver(ctx, webhookURL, map[string]interface{}{
			"workflow":      NamePageChangeDetection,
			"changed":       true,
			"current_hash":  currentHash,
			"baseline_hash": baseline,
			"diff_summary":  out["diff_summary"],
		}, out)
	}
	return out
}

func (r *Runner) finishPostingMonitor(ctx context.Context, b *binding, job *core.Job) map[string]interface{} {
	if job.Status != core.StatusCompleted {
		return map[string]interface{}{"error": job.Error, "posting_count": 0}
	}

	fields, err := inputStringMap(b.input, "extract_fields")
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	postings := assemblePostings(fields, extractedFrom(job.Result))
	postings = filterPostings(postings, inputStrings(b.input, "filter_keywords"))

	sample := postings
	if len(sample) > 10 {
		sample = sample[:10]
	}
	out := map[string]interface{}{
		"posting_count": len(postings),
		"new_postings":  len(postings),
		"postings":      sample,
		"alert_sent":    false,
	}

	webhookURL := inputString(b.input, "webhook_url")
	if len(postings) > 0 && inputBool(b.input, "alert_on_new") && webhookURL != "" {
		out["alert_sent"] = r.deliver(ctx, webhookURL, map[string]interface{}{
			"workflow":      NameJobPostingMonitor,
			"posting_count": len(postings),
			"new_postings":  len(postings),
			"postings":      sample,
		}, out)
	}
	return out
}

func (r *Runner) finishSmokeCheck(ctx context.Context, b *binding, job *core.Job, ev *events.Event) map[string]interface{} {
	required := inputStrings(b.input, "required_selectors")

	out := map[string]interface{}{
		"status":                "fail",
		"selectors_found":       0,
		"all_selectors_present": false,
		"alert_sent":            false,
	}
	if job.Status == core.StatusCompleted {
		extracted := extractedFrom(job.Result)
		found := 0
		for _, sel := range required {
			if selectorHit(extracted[sel]) {
				found++
			}
		}
		allPresent := found == len(required)
		out["selectors_found"] = found
		out["all_selectors_present"] = allPresent
		if allPresent {
			out["status"] = "pass"
		}
		if d, ok := ev.Data["duration_seconds"].(float64); ok {
			loadMillis := d * 1000
			out["load_time_ms"] = loadMillis
			if inputBool(b.input, "verify_load_time") {
				if bound := inputFloat(b.input, "max_load_time_ms"); bound > 0 && loadMillis > bound {
					out["status"] = "fail"
				}
			}
		}
	} else {
		out["error"] = job.Error
	}

	webhookURL := inputString(b.input, "webhook_url")
	if out["status"] != "pass" && webhookURL != "" {
		out["alert_sent"] = r.deliver(ctx, webhookURL, map[string]interface{}{
			"workflow":              NameUptimeSmokeCheck,
			"status":                out["status"],
			"load_time_ms":          out["load_time_ms"],
			"selectors_found":       out["selectors_found"],
			"all_selectors_present": out["all_selectors_present"],
		}, out)
	}
	return out
}

// deliver sends the webhook and records a failure on the output instead of
// failing the workflow.
func (r *Runner) deliver(ctx context.Context, url string, payload, out map[string]interface{}) bool {
	if err := r.webhooks.Send(ctx, url, payload); err != nil {
		r.logger.Printf("webhook delivery to %s failed: %v", url, err)
		out["webhook_error"] = err.Error()
		return false
	}
	return true
}

// ============================================================
// Result plumbing
// ============================================================

// hashExtracted canonicalizes the extracted content and hashes it. JSON map
// keys marshal sorted, so equal extractions hash equal.
func hashExtracted(result map[string]interface{}) string {
	data, err := json.Marshal(extractedFrom(result))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// selectorHit reports whether an extracted value matched anything: a
// non-empty string or a non-empty match list.
func selectorHit(v interface{}) bool {
	switch val := v.(type) {
	case string:
		return val != ""
	case []string:
		return len(val) > 0
	case []interface{}:
		return len(val) > 0
	}
	return false
}

func extractedFrom(result map[string]interface{}) map[string]interface{} {
	if result == nil {
		return map[string]interface{}{}
	}
	if m, ok := result["extracted"].(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// assemblePostings zips per-field value lists into row objects. Rows are as
// long as the longest field; short fields leave their cell empty.
func assemblePostings(fields map[string]string, extracted map[string]interface{}) []map[string]string {
	values := map[string][]string{}
	longest := 0
	for field, selector := range fields {
		vals := stringList(extracted[selector])
		values[field] = vals
		if len(vals) > longest {
			longest = len(vals)
		}
	}

	postings := make([]map[string]string, 0, longest)
	for i := 0; i < longest; i++ {
		row := map[string]string{}
		for field, vals := range values {
			if i < len(vals) {
				row[field] = vals[i]
			} else {
				row[field] = ""
			}
		}
		postings = append(postings, row)
	}
	return postings
}

// filterPostings keeps rows where any field contains any keyword,
// case-insensitively. No keywords keeps everything.
func filterPostings(postings []map[string]string, keywords []string) []map[string]string {
	if len(keywords) == 0 {
		return postings
	}
	kept := postings[:0]
	for _, row := range postings {
		if rowMatches(row, keywords) {
			kept = append(kept, row)
		}
	}
	return kept
}

func rowMatches(row map[string]string, keywords []string) bool {
	for _, v := range row {
		lower := strings.ToLower(v)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// ============================================================
// Input accessors
// ============================================================

func inputString(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

func inputBool(input map[string]interface{}, key string) bool {
	b, _ := input[key].(bool)
	return b
}

func inputFloat(input map[string]interface{}, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func inputStrings(input map[string]interface{}, key string) []string {
	return stringList(input[key])
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func inputStringMap(input map[string]interface{}, key string) (map[string]string, error) {
	out := map[string]string{}
	switch m := input[key].(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]interface{}:
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, &core.ValidationError{Field: key, Reason: "values must be selector strings"}
			}
			out[k] = s
		}
	default:
		return nil, &core.ValidationError{Field: key, Reason: "must map field names to selectors"}
	}
	return out, nil
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic selector order keeps job payloads stable for idempotency.
	sort.Strings(keys)
	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

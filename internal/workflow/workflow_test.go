package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/orchestrator"
	"github.com/marionette/backend/internal/policy"
	"github.com/marionette/backend/internal/ratelimit"
)

type fakeCreator struct {
	mu     sync.Mutex
	reqs   []orchestrator.CreateJobRequest
	nextID string
}

func (f *fakeCreator) CreateJob(_ context.Context, req orchestrator.CreateJobRequest) (*orchestrator.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &orchestrator.CreateResult{JobID: f.nextID, Status: core.StatusPending}, nil
}

func (f *fakeCreator) requests() []orchestrator.CreateJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.CreateJobRequest{}, f.reqs...)
}

type fakeReader struct {
	mu   sync.Mutex
	jobs map[string]*core.Job
}

func (f *fakeReader) Get(_ context.Context, id string) (*core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return job, nil
}

func (f *fakeReader) put(job *core.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

type fixture struct {
	runner  *Runner
	creator *fakeCreator
	reader  *fakeReader
	bus     *events.Bus
	done    chan *events.Event
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	bus := events.NewBus()
	creator := &fakeCreator{nextID: "job-1"}
	reader := &fakeReader{jobs: map[string]*core.Job{}}
	runner := NewRunner(creator, reader, bus, NewWebhookSender(secret))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runner.Start(ctx)

	return &fixture{
		runner:  runner,
		creator: creator,
		reader:  reader,
		bus:     bus,
		done:    bus.Subscribe(events.TypeWorkflowDone),
		cancel:  cancel,
	}
}

// completeJob registers the finished job and publishes its terminal event,
// then waits for the workflow to post-process it.
func (f *fixture) completeJob(t *testing.T, job *core.Job, eventType string, data map[string]interface{}) *events.Event {
	t.Helper()
	f.reader.put(job)
	f.bus.Emit(eventType, job.ID, data)

	select {
	case ev := <-f.done:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("workflow never finished")
		return nil
	}
}

func TestListAndLookup(t *testing.T) {
	names := []string{}
	for _, s := range List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"job_posting_monitor", "page_change_detection", "uptime_smoke_check"}, names)

	wf, err := Lookup(NameUptimeSmokeCheck)
	require.NoError(t, err)
	assert.Equal(t, core.JobNavigateExtract, wf.JobType)

	_, err = Lookup("nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRunValidatesRequiredInput(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url": "https://example.com", "domain": "example.com",
	}, "", "")

	var valErr *core.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "selectors", valErr.Field)
	assert.Empty(t, f.creator.requests())
}

func TestRunCreatesExactlyOneJob(t *testing.T) {
	f := newFixture(t, "")

	res, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url":       "https://example.com/pricing",
		"domain":    "example.com",
		"selectors": []interface{}{".price", ".plan-name"},
	}, "user-1", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, NamePageChangeDetection, res.WorkflowName)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, core.StatusPending, res.Status)

	reqs := f.creator.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, core.JobNavigateExtract, reqs[0].Type)
	assert.Equal(t, core.StrategyVanilla, reqs[0].Strategy)
	assert.Equal(t, "user-1", reqs[0].UserID)
	assert.Equal(t, core.AuthCustomerAuthorized, reqs[0].AuthorizationMode)
	assert.Equal(t, true, reqs[0].Payload["capture_dom"])
	assert.Len(t, reqs[0].Payload["selectors"], 2)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url":       "https://example.com",
		"domain":    "example.com",
		"selectors": []interface{}{".price"},
		"strategy":  "warp-speed",
	}, "", "")

	var valErr *core.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "strategy", valErr.Field)
}

func TestRunRejectsUnknownAuthorizationMode(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url":                "https://example.com",
		"domain":             "example.com",
		"selectors":          []interface{}{".price"},
		"authorization_mode": "root",
	}, "", "")

	var valErr *core.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "authorization_mode", valErr.Field)
}

// stealthPolicyStore allows every domain with vanilla and stealth enabled.
type stealthPolicyStore struct{}

func (stealthPolicyStore) GetPolicy(_ context.Context, domain string) (*core.DomainPolicy, error) {
	return &core.DomainPolicy{
		Domain:            domain,
		Allowed:           true,
		AllowedStrategies: []core.Strategy{core.StrategyVanilla, core.StrategyStealth},
	}, nil
}

type nopAuditor struct{}

func (nopAuditor) Write(context.Context, *core.AuditRecord) error { return nil }

func TestPostingMonitorDefaultRunPassesAdmission(t *testing.T) {
	wf, err := Lookup(NameJobPostingMonitor)
	require.NoError(t, err)

	req, err := buildJobRequest(wf, map[string]interface{}{
		"url":            "https://jobs.example.com/listings",
		"domain":         "jobs.example.com",
		"extract_fields": map[string]interface{}{"title": ".title"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StrategyStealth, req.Strategy)
	assert.Equal(t, core.AuthCustomerAuthorized, req.AuthorizationMode)

	// The template's stealth default must clear the real admission pipeline
	// when the domain policy allows stealth.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	enforcer := policy.NewEnforcer(stealthPolicyStore{}, nopAuditor{},
		ratelimit.New(rdb), policy.NewConcurrencyTracker(rdb))
	_, err = enforcer.Check(context.Background(), policy.AdmissionRequest{
		Domain:            req.Domain,
		Strategy:          req.Strategy,
		AuthorizationMode: req.AuthorizationMode,
	})
	require.NoError(t, err)

	// An explicit public mode keeps the strategy gate in force.
	req.AuthorizationMode = core.AuthPublic
	_, err = enforcer.Check(context.Background(), policy.AdmissionRequest{
		Domain:            req.Domain,
		Strategy:          req.Strategy,
		AuthorizationMode: req.AuthorizationMode,
	})
	var violation *core.PolicyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, core.AuditStrategyRestricted, violation.Action)
}

func TestPageChangeUnchangedBaseline(t *testing.T) {
	f := newFixture(t, "")

	extracted := map[string]interface{}{".price": "$49"}
	baseline := hashExtracted(map[string]interface{}{"extracted": extracted})

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	_, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url":              "https://example.com/pricing",
		"domain":           "example.com",
		"selectors":        []interface{}{".price"},
		"baseline_content": baseline,
		"alert_on_change":  true,
		"webhook_url":      srv.URL,
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": extracted},
	}, events.TypeJobCompleted, map[string]interface{}{"duration_seconds": 1.2})

	assert.Equal(t, false, ev.Data["changed"])
	assert.Equal(t, false, ev.Data["alert_sent"])
	assert.Equal(t, baseline, ev.Data["current_hash"])
	assert.Equal(t, 0, hits)
}

func TestPageChangeAlertsWithSignedWebhook(t *testing.T) {
	const secret = "wf-secret"
	f := newFixture(t, secret)

	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	_, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url":              "https://example.com/pricing",
		"domain":           "example.com",
		"selectors":        []interface{}{".price"},
		"baseline_content": "stale-hash",
		"alert_on_change":  true,
		"webhook_url":      srv.URL,
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": map[string]interface{}{".price": "$59"}},
	}, events.TypeJobCompleted, nil)

	assert.Equal(t, true, ev.Data["changed"])
	assert.Equal(t, true, ev.Data["alert_sent"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, NamePageChangeDetection, payload["workflow"])
	assert.Equal(t, "stale-hash", payload["baseline_hash"])
	assert.Contains(t, payload["diff_summary"], "content hash changed")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestPostingMonitorFiltersAndAlerts(t *testing.T) {
	f := newFixture(t, "")

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	_, err := f.runner.Run(context.Background(), NameJobPostingMonitor, map[string]interface{}{
		"url":    "https://jobs.example.com",
		"domain": "jobs.example.com",
		"extract_fields": map[string]interface{}{
			"title":    ".job-title",
			"location": ".job-location",
		},
		"filter_keywords": []interface{}{"golang"},
		"alert_on_new":    true,
		"webhook_url":     srv.URL,
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "jobs.example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": map[string]interface{}{
			".job-title":    []interface{}{"Golang Engineer", "Rust Engineer", "Senior Golang SRE"},
			".job-location": []interface{}{"Remote", "Berlin", "Remote"},
		}},
	}, events.TypeJobCompleted, nil)

	assert.Equal(t, 2, ev.Data["posting_count"])
	assert.Equal(t, true, ev.Data["alert_sent"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, NameJobPostingMonitor, payload["workflow"])
	assert.Equal(t, float64(2), payload["posting_count"])
	postings := payload["postings"].([]interface{})
	require.Len(t, postings, 2)
	first := postings[0].(map[string]interface{})
	assert.Equal(t, "Golang Engineer", first["title"])
	assert.Equal(t, "Remote", first["location"])
}

func TestSmokeCheckMissingSelectorFails(t *testing.T) {
	f := newFixture(t, "")

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	_, err := f.runner.Run(context.Background(), NameUptimeSmokeCheck, map[string]interface{}{
		"url":                "https://example.com",
		"domain":             "example.com",
		"required_selectors": []interface{}{"#header", "#footer"},
		"webhook_url":        srv.URL,
	}, "", "")
	require.NoError(t, err)

	// The job itself completes; the missing selector is a business outcome.
	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": map[string]interface{}{
			"#header": []interface{}{"ok"},
			"#footer": []interface{}{},
		}},
	}, events.TypeJobCompleted, map[string]interface{}{"duration_seconds": 0.8})

	assert.Equal(t, "fail", ev.Data["status"])
	assert.Equal(t, 1, ev.Data["selectors_found"])
	assert.Equal(t, false, ev.Data["all_selectors_present"])
	assert.Equal(t, true, ev.Data["alert_sent"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "fail", payload["status"])
	assert.Equal(t, false, payload["all_selectors_present"])
}

func TestSmokeCheckFlagsSlowLoad(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.runner.Run(context.Background(), NameUptimeSmokeCheck, map[string]interface{}{
		"url":                "https://example.com",
		"domain":             "example.com",
		"required_selectors": []interface{}{"#header"},
		"verify_load_time":   true,
		"max_load_time_ms":   500,
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": map[string]interface{}{"#header": []interface{}{"ok"}}},
	}, events.TypeJobCompleted, map[string]interface{}{"duration_seconds": 2.5})

	assert.Equal(t, "fail", ev.Data["status"])
	assert.Equal(t, 2500.0, ev.Data["load_time_ms"])
	assert.Equal(t, true, ev.Data["all_selectors_present"])
}

func TestSmokeCheckPasses(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.runner.Run(context.Background(), NameUptimeSmokeCheck, map[string]interface{}{
		"url":                "https://example.com",
		"domain":             "example.com",
		"required_selectors": []interface{}{"#header"},
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": map[string]interface{}{"#header": []interface{}{"ok"}}},
	}, events.TypeJobCompleted, map[string]interface{}{"duration_seconds": 0.4})

	assert.Equal(t, "pass", ev.Data["status"])
	assert.Equal(t, true, ev.Data["all_selectors_present"])
	assert.Equal(t, false, ev.Data["alert_sent"])
}

func TestSmokeCheckNavigationFailure(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.runner.Run(context.Background(), NameUptimeSmokeCheck, map[string]interface{}{
		"url":                "https://example.com",
		"domain":             "example.com",
		"required_selectors": []interface{}{"#header"},
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusFailed,
		Error: "navigation: connection refused",
	}, events.TypeJobFailed, nil)

	assert.Equal(t, "fail", ev.Data["status"])
	assert.Contains(t, ev.Data["error"], "connection refused")
}

func TestWebhookFailureDoesNotFailWorkflow(t *testing.T) {
	f := newFixture(t, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := f.runner.Run(context.Background(), NamePageChangeDetection, map[string]interface{}{
		"url":              "https://example.com",
		"domain":           "example.com",
		"selectors":        []interface{}{".price"},
		"baseline_content": "stale",
		"alert_on_change":  true,
		"webhook_url":      srv.URL,
	}, "", "")
	require.NoError(t, err)

	ev := f.completeJob(t, &core.Job{
		ID: "job-1", Domain: "example.com", Status: core.StatusCompleted,
		Result: map[string]interface{}{"extracted": map[string]interface{}{".price": "$9"}},
	}, events.TypeJobCompleted, nil)

	assert.Equal(t, true, ev.Data["changed"])
	assert.Equal(t, false, ev.Data["alert_sent"])
	assert.Contains(t, ev.Data["webhook_error"], "502")
}

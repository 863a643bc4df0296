// Package workflow wraps common automation recipes around single jobs:
// each run validates its input, creates exactly one job, and post-processes
// the result into an alert-ready shape.
package workflow

import (
	"fmt"
	"sort"

	"github.com/marionette/backend/internal/core"
)

// Field describes one input schema entry.
type Field struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Workflow is a registered template.
type Workflow struct {
	Name            string           `json:"name"`
	DisplayName     string           `json:"display_name"`
	Description     string           `json:"description"`
	InputSchema     map[string]Field `json:"input_schema"`
	OutputSchema    map[string]Field `json:"output_schema"`
	ExecutionSteps  []string         `json:"execution_steps"`
	JobType         core.JobType     `json:"job_type"`
	DefaultStrategy core.Strategy    `json:"default_strategy"`
}

// Summary is the list view returned by the workflows index.
type Summary struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	JobType     string `json:"job_type"`
}

// ValidateInput checks every required schema field is present.
func (w *Workflow) ValidateInput(input map[string]interface{}) error {
	for name, field := range w.InputSchema {
		if !field.Required {
			continue
		}
		if v, ok := input[name]; !ok || v == nil || v == "" {
			return &core.ValidationError{Field: name, Reason: "required by workflow " + w.Name}
		}
	}
	return nil
}

const (
	NamePageChangeDetection = "page_change_detection"
	NameJobPostingMonitor   = "job_posting_monitor"
	NameUptimeSmokeCheck    = "uptime_smoke_check"
)

// builtins are the three registered templates.
var builtins = map[string]*Workflow{
	NamePageChangeDetection: {
		Name:        NamePageChangeDetection,
		DisplayName: "Page Change Detection",
		Description: "Extracts configured selectors, hashes the content and compares against a baseline.",
		InputSchema: map[string]Field{
			"url":                {Type: "string", Required: true},
			"domain":             {Type: "string", Required: true},
			"selectors":          {Type: "array", Required: true, Description: "CSS selectors to watch"},
			"baseline_content":   {Type: "string", Description: "SHA-256 of the previous extraction"},
			"alert_on_change":    {Type: "boolean"},
			"webhook_url":        {Type: "string"},
			"strategy":           {Type: "string"},
			"authorization_mode": {Type: "string", Description: "defaults to customer_authorized"},
		},
		OutputSchema: map[string]Field{
			"changed":      {Type: "boolean"},
			"current_hash": {Type: "string"},
			"alert_sent":   {Type: "boolean"},
		},
		ExecutionSteps:  []string{"navigate", "extract_selectors", "hash_content", "compare_baseline", "alert"},
		JobType:         core.JobNavigateExtract,
		DefaultStrategy: core.StrategyVanilla,
	},

	NameJobPostingMonitor: {
		Name:        NameJobPostingMonitor,
		DisplayName: "Job Posting Monitor",
		Description: "Extracts postings by field selectors, filters by keyword and alerts on new matches.",
		InputSchema: map[string]Field{
			"url":                {Type: "string", Required: true},
			"domain":             {Type: "string", Required: true},
			"extract_fields":     {Type: "object", Required: true, Description: "field name to CSS selector"},
			"alert_on_new":       {Type: "boolean"},
			"filter_keywords":    {Type: "array"},
			"webhook_url":        {Type: "string"},
			"strategy":           {Type: "string"},
			"authorization_mode": {Type: "string", Description: "defaults to customer_authorized"},
		},
		OutputSchema: map[string]Field{
			"posting_count": {Type: "number"},
			"new_postings":  {Type: "number"},
		},
		ExecutionSteps:  []string{"navigate", "extract_fields", "assemble_postings", "filter_keywords", "alert"},
		JobType:         core.JobNavigateExtract,
		DefaultStrategy: core.StrategyStealth,
	},

	NameUptimeSmokeCheck: {
		Name:        NameUptimeSmokeCheck,
		DisplayName: "Uptime Smoke Check",
		Description: "Navigates the target, verifies required selectors and the load-time bound.",
		InputSchema: map[string]Field{
			"url":                {Type: "string", Required: true},
			"domain":             {Type: "string", Required: true},
			"required_selectors": {Type: "array", Required: true},
			"screenshot":         {Type: "boolean"},
			"verify_load_time":   {Type: "boolean"},
			"max_load_time_ms":   {Type: "number"},
			"webhook_url":        {Type: "string"},
			"strategy":           {Type: "string"},
			"authorization_mode": {Type: "string", Description: "defaults to customer_authorized"},
		},
		OutputSchema: map[string]Field{
			"status":                {Type: "string"},
			"load_time_ms":          {Type: "number"},
			"all_selectors_present": {Type: "boolean"},
		},
		ExecutionSteps:  []string{"navigate", "check_selectors", "check_load_time", "alert"},
		JobType:         core.JobNavigateExtract,
		DefaultStrategy: core.StrategyVanilla,
	},
}

// Lookup returns a registered workflow.
func Lookup(name string) (*Workflow, error) {
	wf, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, core.ErrNotFound)
	}
	return wf, nil
}

// List returns summaries of every registered workflow, sorted by name.
func List() []Summary {
	out := make([]Summary, 0, len(builtins))
	for _, wf := range builtins {
		out = append(out, Summary{
			Name:        wf.Name,
			DisplayName: wf.DisplayName,
			Description: wf.Description,
			JobType:     string(wf.JobType),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Package pipeline implements the report generation stages: thresholding,
// the planner/evaluator refinement loop, and per-section description and
// writing. Each stage is a bounded-retry procedure built from one or more
// agents.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"reportforge/pkg/jsonx"
)

// Terminal stage failures. The session state machine maps these onto
// client-visible error messages.
var (
	// ErrNoThreshold indicates the thresholding stage exhausted its retries.
	ErrNoThreshold = errors.New("no threshold produced")
	// ErrNoPlan indicates the planning loop exhausted its outer retries.
	ErrNoPlan = errors.New("no plan produced")
	// ErrSectionGeneration indicates a section failed to generate. A single
	// failed section fails the whole report; no partial report is assembled.
	ErrSectionGeneration = errors.New("section generation failed")
	// ErrNoEdit indicates the section edit stage exhausted its retries.
	ErrNoEdit = errors.New("no edited section produced")
)

// PlanRequest carries one session's report parameters. It is created once
// from the client's opening message and is immutable for the session's
// lifetime once stages begin.
type PlanRequest struct {
	ReportID   string `json:"report_id"`
	UserID     string `json:"user_id"`
	Company    string `json:"company"`
	Standard   string `json:"standard"` // resolved "full form: description" text
	Goal       string `json:"goal"`
	Plan       string `json:"plan"`
	Action     string `json:"action"`
	Model      string `json:"genai_model"` // "<provider>-<variant>" selector
	ReportName string `json:"report_name"`
}

// OutlineSection is one entry of a plan outline.
type OutlineSection struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// Outline is the ordered section-name to summary mapping produced by the
// planner. Iteration order is the order the model emitted the keys; that
// order is reused for section generation and final assembly.
type Outline struct {
	Sections []OutlineSection
}

// Len returns the number of outline sections.
func (o Outline) Len() int { return len(o.Sections) }

// JSON serializes the outline back into the key/value object shape the
// evaluator and the client expect, preserving section order.
func (o Outline) JSON() string {
	var b strings.Builder
	b.WriteString("{\n")
	for i, s := range o.Sections {
		name, _ := json.Marshal(s.Name)
		summary, _ := json.Marshal(s.Summary)
		b.WriteString("    ")
		b.Write(name)
		b.WriteString(": ")
		b.Write(summary)
		if i < len(o.Sections)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

// ParseOutline converts an extracted JSON object into an Outline, keeping
// the key order of the raw JSON text. Non-string summaries are stringified.
func ParseOutline(obj jsonx.Object) (Outline, error) {
	keys, err := jsonx.OrderedKeys(obj.Raw)
	if err != nil {
		return Outline{}, fmt.Errorf("outline is not a JSON object: %w", err)
	}
	if len(keys) == 0 {
		return Outline{}, errors.New("outline has no sections")
	}

	outline := Outline{Sections: make([]OutlineSection, 0, len(keys))}
	for _, key := range keys {
		summary := stringify(obj.Value[key])
		outline.Sections = append(outline.Sections, OutlineSection{Name: key, Summary: summary})
	}
	return outline, nil
}

// Critique is the evaluator's verdict on a candidate outline.
type Critique struct {
	ModificationRequested bool
	Critique              string
}

// ParseCritique reads the evaluator's JSON output leniently. Models return
// the modification flag as a bool, a quoted "True"/"False", null, or omit
// it entirely; anything that is not an affirmative reading is treated as
// "no further revision requested".
func ParseCritique(obj jsonx.Object) Critique {
	c := Critique{}

	switch v := obj.Value["modification"].(type) {
	case bool:
		c.ModificationRequested = v
	case string:
		c.ModificationRequested = strings.EqualFold(strings.TrimSpace(v), "true")
	}

	if text, ok := obj.Value["critique"].(string); ok {
		text = strings.TrimSpace(text)
		if !strings.EqualFold(text, "none") && !strings.EqualFold(text, "null") {
			c.Critique = text
		}
	}

	// A modification request without critique text gives the planner nothing
	// to act on; treat it as acceptance.
	if c.Critique == "" {
		c.ModificationRequested = false
	}

	return c
}

// SectionRecord is one generated report section. Content is empty until the
// writer stage fills it; Description is always set first.
type SectionRecord struct {
	Name        string `json:"section"`
	Description string `json:"description"`
	Content     string `json:"agent_output"`
}

// stringify renders any decoded JSON value as text. Summaries are normally
// strings but models occasionally nest objects or lists.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

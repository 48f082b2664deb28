// Package templates provides template rendering for the prompt library
// consumed by the pipeline agents.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering.
type TemplateData struct {
	Extra map[string]any `json:"extra,omitempty"`
	// User instruction fields.
	Company  string `json:"company,omitempty"`
	Standard string `json:"standard,omitempty"`
	Goal     string `json:"goal,omitempty"`
	Action   string `json:"action,omitempty"`
	// Planning loop fields.
	Plan     string `json:"plan,omitempty"`
	Critique string `json:"critique,omitempty"`
	Comment  string `json:"comment,omitempty"`
	// Retrieval fields.
	Context string `json:"context,omitempty"`
	// Section fields.
	SectionName        string `json:"section_name,omitempty"`
	SectionSummary     string `json:"section_summary,omitempty"`
	SectionDescription string `json:"section_description,omitempty"`
}

// PromptTemplate names one prompt in the embedded library.
type PromptTemplate string

const (
	// ThresholderSystemTemplate is the system prompt for the thresholding agent.
	ThresholderSystemTemplate PromptTemplate = "thresholder_system.tpl.md"
	// UserInstructionsTemplate renders the per-report user instruction block.
	UserInstructionsTemplate PromptTemplate = "user_instructions.tpl.md"
	// PlanningSystemTemplate is the system prompt for the planner agent.
	PlanningSystemTemplate PromptTemplate = "planning_system.tpl.md"
	// EvaluationSystemTemplate is the system prompt for the plan evaluator agent.
	EvaluationSystemTemplate PromptTemplate = "evaluation_system.tpl.md"
	// CritiqueModificationTemplate rewrites the planning instruction to carry a critique.
	CritiqueModificationTemplate PromptTemplate = "critique_modification.tpl.md"
	// AgentPlanTemplate wraps a serialized plan for the evaluator.
	AgentPlanTemplate PromptTemplate = "agent_plan.tpl.md"
	// AdditionalContextTemplate wraps retrieved reference chunks.
	AdditionalContextTemplate PromptTemplate = "additional_context.tpl.md"
	// DescriptionSystemTemplate is the system prompt for the section describer agent.
	DescriptionSystemTemplate PromptTemplate = "description_system.tpl.md"
	// SectionContextTemplate carries one outline entry to the describer.
	SectionContextTemplate PromptTemplate = "section_context.tpl.md"
	// GenerationSystemTemplate is the system prompt for the section writer agent.
	GenerationSystemTemplate PromptTemplate = "generation_system.tpl.md"
	// SectionDescriptionTemplate carries one section brief to the writer.
	SectionDescriptionTemplate PromptTemplate = "section_description.tpl.md"
	// EditSystemTemplate is the system prompt for the section edit agent.
	EditSystemTemplate PromptTemplate = "edit_system.tpl.md"
	// RevisionFeedbackTemplate rewrites the planning instruction to carry the
	// user's plan revision request.
	RevisionFeedbackTemplate PromptTemplate = "revision_feedback.tpl.md"
)

// Renderer handles rendering of the embedded prompt library.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

// NewRenderer parses every embedded prompt template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[PromptTemplate]*template.Template),
	}

	templateNames := []PromptTemplate{
		ThresholderSystemTemplate,
		UserInstructionsTemplate,
		PlanningSystemTemplate,
		EvaluationSystemTemplate,
		CritiqueModificationTemplate,
		AgentPlanTemplate,
		AdditionalContextTemplate,
		DescriptionSystemTemplate,
		SectionContextTemplate,
		GenerationSystemTemplate,
		SectionDescriptionTemplate,
		EditSystemTemplate,
		RevisionFeedbackTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName PromptTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return buf.String(), nil
}

// GetAvailableTemplates returns a list of all available templates.
func (r *Renderer) GetAvailableTemplates() []PromptTemplate {
	templates := make([]PromptTemplate, 0, len(r.templates))
	for name := range r.templates {
		templates = append(templates, name)
	}
	return templates
}

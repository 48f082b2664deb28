package pipeline

import (
	"context"
	"errors"
	"fmt"

	"reportforge/pkg/agent"
	"reportforge/pkg/templates"
)

// Generate runs the describer and writer stages over every outline section
// and returns one SectionRecord per outline entry, in outline order.
//
// One describer agent serves all sections but never retains history, so each
// brief is independent. Every section gets its own fresh writer agent; a
// shared writer would leak one section's brief into another's prose. Each
// section is generated exactly once, and any failure aborts the whole
// report: no partial report is assembled.
func (p *Pipeline) Generate(ctx context.Context, req *PlanRequest, instructions, contextBlock string, outline Outline) ([]SectionRecord, error) {
	describer, err := p.newAgent(req, RoleDescriber, templates.DescriptionSystemTemplate)
	if err != nil {
		return nil, err
	}

	p.logger.Info("generation started: report=%s sections=%d", req.ReportID, outline.Len())

	records := make([]SectionRecord, 0, outline.Len())
	for _, section := range outline.Sections {
		description, descErr := p.describeSection(ctx, describer, section, instructions, contextBlock)
		if descErr != nil {
			p.logger.Warn("section description failed: report=%s section=%q: %v", req.ReportID, section.Name, descErr)
			return nil, fmt.Errorf("%w: describe %q: %s", ErrSectionGeneration, section.Name, descErr)
		}
		records = append(records, SectionRecord{Name: section.Name, Description: description})
	}

	for i := range records {
		content, writeErr := p.writeSection(ctx, req, records[i], instructions)
		if writeErr != nil {
			p.logger.Warn("section writing failed: report=%s section=%q: %v", req.ReportID, records[i].Name, writeErr)
			return nil, fmt.Errorf("%w: write %q: %s", ErrSectionGeneration, records[i].Name, writeErr)
		}
		records[i].Content = content
	}

	p.logger.Info("generation completed: report=%s sections=%d", req.ReportID, len(records))
	return records, nil
}

// describeSection expands one outline entry into a detailed brief. The
// exchange is not retained in the describer's history.
func (p *Pipeline) describeSection(ctx context.Context, describer agentAsker, section OutlineSection, instructions, contextBlock string) (string, error) {
	sectionCtx, err := p.renderer.Render(templates.SectionContextTemplate, &templates.TemplateData{
		SectionName:    section.Name,
		SectionSummary: section.Summary,
	})
	if err != nil {
		return "", fmt.Errorf("render section context: %w", err)
	}

	var prompts []string
	if contextBlock != "" {
		prompts = append(prompts, contextBlock)
	}
	prompts = append(prompts, instructions, sectionCtx)

	description, err := describer.AskMany(ctx, prompts, agent.WithoutHistory())
	if err != nil {
		return "", err
	}
	if description == "" {
		return "", errors.New("empty section description")
	}
	return description, nil
}

// writeSection turns one section brief into final prose on a fresh writer
// agent.
func (p *Pipeline) writeSection(ctx context.Context, req *PlanRequest, record SectionRecord, instructions string) (string, error) {
	writer, err := p.newAgent(req, RoleWriter, templates.GenerationSystemTemplate)
	if err != nil {
		return "", err
	}

	brief, err := p.renderer.Render(templates.SectionDescriptionTemplate, &templates.TemplateData{
		SectionName:        record.Name,
		SectionDescription: record.Description,
	})
	if err != nil {
		return "", fmt.Errorf("render section description: %w", err)
	}

	content, err := writer.AskMany(ctx, []string{instructions, brief})
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", errors.New("empty section content")
	}
	return content, nil
}

// Package prd renders a design-state snapshot as a Product Requirements
// Document in Markdown and writes it to the export directory.
//
// Rendering is lossless for filled-in fields: every stored value appears in
// the output exactly as stored. Empty fields and empty sections are skipped
// rather than rendered as blanks.
package prd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/internal/store"
)

// defaultFilename is used when the design state carries no title.
const defaultFilename = "product_requirements_document.md"

// Generate renders the design document as Markdown.
func Generate(doc *state.Document) string {
	var b strings.Builder
	d := doc.Design

	// Title and metadata.
	if d.Meta.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", d.Meta.Title)
	} else {
		b.WriteString("# Product Requirements Document\n\n")
	}
	var meta []string
	if d.Meta.CreatedAt != "" {
		meta = append(meta, fmt.Sprintf("**Created:** %s", d.Meta.CreatedAt))
	}
	if d.Meta.UpdatedAt != "" {
		meta = append(meta, fmt.Sprintf("**Last Updated:** %s", d.Meta.UpdatedAt))
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " | "))
		b.WriteString("\n\n")
	}

	writeProblem(&b, d.Problem)
	writePersonas(&b, d.Users.Personas)
	writeValueProposition(&b, d.ValueProposition)
	writeApproach(&b, d.Approach)
	writeUserExperience(&b, d.UserExperience)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeProblem(b *strings.Builder, p state.Problem) {
	if p.Statement == "" && p.CurrentSolutions == "" && len(p.PainPoints) == 0 {
		return
	}
	b.WriteString("## Problem Statement\n\n")
	if p.Statement != "" {
		b.WriteString(p.Statement + "\n\n")
	}
	if p.CurrentSolutions != "" {
		b.WriteString("### Current Solutions\n\n" + p.CurrentSolutions + "\n\n")
	}
	writeBullets(b, "### Pain Points", p.PainPoints)
}

func writePersonas(b *strings.Builder, personas []state.Persona) {
	var named []state.Persona
	for _, p := range personas {
		if p.Name != "" {
			named = append(named, p)
		}
	}
	if len(named) == 0 {
		return
	}

	b.WriteString("## User Personas\n\n")
	for _, p := range named {
		fmt.Fprintf(b, "### Persona: %s\n\n", p.Name)
		if p.Demographics != "" {
			b.WriteString("#### Demographics\n\n" + p.Demographics + "\n\n")
		}
		if p.Behaviors != "" {
			b.WriteString("#### Behaviors\n\n" + p.Behaviors + "\n\n")
		}
		writeBullets(b, "#### Jobs to be Done", p.JobsToBeDone)
		writeBullets(b, "#### Frustrations", p.Frustrations)
	}
}

func writeValueProposition(b *strings.Builder, vp state.ValueProposition) {
	if vp.OneLiner == "" && vp.PrimaryBenefit == "" && len(vp.UniqueDifferentiators) == 0 {
		return
	}
	b.WriteString("## Value Proposition\n\n")
	if vp.OneLiner != "" {
		fmt.Fprintf(b, "> %s\n\n", vp.OneLiner)
	}
	if vp.PrimaryBenefit != "" {
		b.WriteString("### Primary Benefit\n\n" + vp.PrimaryBenefit + "\n\n")
	}
	writeBullets(b, "### Unique Differentiators", vp.UniqueDifferentiators)
}

func writeApproach(b *strings.Builder, a state.Approach) {
	if a.CoreConcept == "" && len(a.MVPFeatures) == 0 && len(a.TechnicalConsiderations) == 0 {
		return
	}
	b.WriteString("## Approach\n\n")
	if a.CoreConcept != "" {
		b.WriteString("### Core Concept\n\n" + a.CoreConcept + "\n\n")
	}
	writeBullets(b, "### MVP Features", a.MVPFeatures)
	writeBullets(b, "### Technical Considerations", a.TechnicalConsiderations)
}

func writeUserExperience(b *strings.Builder, ux state.UserExperience) {
	var namedFlows []state.UserFlow
	for _, f := range ux.UserFlows {
		if f.FlowName != "" {
			namedFlows = append(namedFlows, f)
		}
	}
	if ux.Summary == "" && len(namedFlows) == 0 {
		return
	}

	b.WriteString("## User Experience\n\n")
	if ux.Summary != "" {
		b.WriteString(ux.Summary + "\n\n")
	}
	if len(namedFlows) == 0 {
		return
	}

	b.WriteString("### User Flows\n\n")
	for _, f := range namedFlows {
		fmt.Fprintf(b, "#### %s\n\n", f.FlowName)
		if f.Description != "" {
			b.WriteString(f.Description + "\n\n")
		}
		if len(f.Steps) == 0 {
			continue
		}
		b.WriteString("**Steps:**\n\n")
		for _, s := range f.Steps {
			if s.Name == "" {
				continue
			}
			fmt.Fprintf(b, "%d. **%s**", s.Step, s.Name)
			if s.Description != "" {
				fmt.Fprintf(b, ": %s", s.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

func writeBullets(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(heading + "\n\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	b.WriteString("\n")
}

// unsafeFilenameChars matches everything a slug replaces with underscores.
var unsafeFilenameChars = regexp.MustCompile(`[^\w\-]`)

// Filename derives the export filename from the document title. Untitled
// documents fall back to a fixed name.
func Filename(doc *state.Document) string {
	title := strings.TrimSpace(doc.Design.Meta.Title)
	if title == "" {
		return defaultFilename
	}
	return unsafeFilenameChars.ReplaceAllString(strings.ToLower(title), "_") + ".md"
}

// Exporter writes PRD files for stored sessions.
type Exporter struct {
	store     store.Store
	outputDir string
}

// NewExporter creates an Exporter that writes into outputDir.
func NewExporter(st store.Store, outputDir string) *Exporter {
	return &Exporter{store: st, outputDir: outputDir}
}

// Export renders the session's latest design state and writes it to the
// output directory, returning the path of the written file. No file is
// written when the session has no usable design state.
func (e *Exporter) Export(ctx context.Context, sessionID string) (string, error) {
	snap, err := e.store.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("prd: no design state for session: %w", err)
	}

	doc, err := state.Parse(snap.StateJSON)
	if err != nil {
		return "", fmt.Errorf("prd: stored state is not a design document: %w", err)
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("prd: create output dir: %w", err)
	}

	path := filepath.Join(e.outputDir, Filename(doc))
	if err := os.WriteFile(path, []byte(Generate(doc)), 0o644); err != nil {
		return "", fmt.Errorf("prd: write %q: %w", path, err)
	}
	return path, nil
}

// Package state defines the design-state document: the structured JSON that
// accumulates everything learned about the user's product concept over the
// course of a conversation.
//
// The document is model-generated free-form JSON, so the package keeps two
// views of it: the raw canonical bytes (what gets persisted, byte-for-byte
// comparable across refresh cycles) and a typed [Document] projection used by
// the exporter and the web UI. Unknown fields survive in the raw bytes even
// when the typed projection does not know about them.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrNoJSON is returned by [ExtractJSON] when neither a fenced code block nor
// the raw text parses as a JSON object.
var ErrNoJSON = errors.New("state: response contains no parseable JSON")

// Template is the empty design-state document a new session starts from.
// Field names are load-bearing: the refresh prompt shows this structure to the
// model and asks it to fill the blanks, and the exporter reads the same paths.
const Template = `{
  "design": {
    "meta": {
      "title": "",
      "createdAt": "",
      "updatedAt": ""
    },
    "problem": {
      "statement": "",
      "currentSolutions": "",
      "painPoints": []
    },
    "users": {
      "personas": [
        {
          "name": "",
          "demographics": "",
          "behaviors": "",
          "jobsToBeDone": [],
          "frustrations": []
        }
      ]
    },
    "valueProposition": {
      "oneLiner": "",
      "primaryBenefit": "",
      "uniqueDifferentiators": []
    },
    "approach": {
      "coreConcept": "",
      "mvpFeatures": [],
      "technicalConsiderations": []
    },
    "userExperience": {
      "summary": "",
      "userFlows": [
        {
          "flowName": "",
          "description": "",
          "steps": [
            {
              "step": 1,
              "name": "",
              "description": ""
            }
          ]
        }
      ]
    }
  }
}`

// fencedBlock matches the first fenced code block in a model response,
// with or without a "json" language tag.
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON pulls the design-state JSON out of a model response.
//
// The first fenced code block is tried first; when no block is present the
// whole text is parsed as-is. The result is re-marshalled into canonical
// compact form so that two responses carrying the same document produce
// identical bytes. Returns [ErrNoJSON] when nothing parses — callers must
// treat that as "keep the previous snapshot", never as "reset to the template".
func ExtractJSON(text string) ([]byte, error) {
	candidate := text
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return Canonical(doc)
}

// Canonical marshals v into the compact canonical form used for storage and
// for bit-identity comparisons between snapshots.
func Canonical(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state: marshal canonical form: %w", err)
	}
	return out, nil
}

// DefaultDocument returns [Template] in canonical form.
func DefaultDocument() []byte {
	var doc map[string]any
	// Template is a compile-time constant; it always parses.
	if err := json.Unmarshal([]byte(Template), &doc); err != nil {
		panic(fmt.Sprintf("state: template does not parse: %v", err))
	}
	out, err := Canonical(doc)
	if err != nil {
		panic(fmt.Sprintf("state: template does not remarshal: %v", err))
	}
	return out
}

// Pretty returns raw re-indented for display in prompts and the UI.
// Invalid input is returned unchanged.
func Pretty(raw []byte) string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Document is the typed projection of a design-state snapshot.
type Document struct {
	Design Design `json:"design"`
}

// Design is the root object of the design-state document.
type Design struct {
	Meta             Meta             `json:"meta"`
	Problem          Problem          `json:"problem"`
	Users            Users            `json:"users"`
	ValueProposition ValueProposition `json:"valueProposition"`
	Approach         Approach         `json:"approach"`
	UserExperience   UserExperience   `json:"userExperience"`
}

// Meta carries document-level metadata filled in by the model.
type Meta struct {
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Problem captures the problem space.
type Problem struct {
	Statement        string   `json:"statement"`
	CurrentSolutions string   `json:"currentSolutions"`
	PainPoints       []string `json:"painPoints"`
}

// Users groups the user personas.
type Users struct {
	Personas []Persona `json:"personas"`
}

// Persona describes one target user type.
type Persona struct {
	Name         string   `json:"name"`
	Demographics string   `json:"demographics"`
	Behaviors    string   `json:"behaviors"`
	JobsToBeDone []string `json:"jobsToBeDone"`
	Frustrations []string `json:"frustrations"`
}

// ValueProposition captures why the product is worth building.
type ValueProposition struct {
	OneLiner              string   `json:"oneLiner"`
	PrimaryBenefit        string   `json:"primaryBenefit"`
	UniqueDifferentiators []string `json:"uniqueDifferentiators"`
}

// Approach captures how the product will be built.
type Approach struct {
	CoreConcept             string   `json:"coreConcept"`
	MVPFeatures             []string `json:"mvpFeatures"`
	TechnicalConsiderations []string `json:"technicalConsiderations"`
}

// UserExperience captures the UX summary and user flows.
type UserExperience struct {
	Summary   string     `json:"summary"`
	UserFlows []UserFlow `json:"userFlows"`
}

// UserFlow is one end-to-end journey through the product.
type UserFlow struct {
	FlowName    string     `json:"flowName"`
	Description string     `json:"description"`
	Steps       []FlowStep `json:"steps"`
}

// FlowStep is a single numbered step within a user flow.
type FlowStep struct {
	Step        int    `json:"step"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrNotDesignDocument is returned by [Parse] when the JSON does not carry the
// expected "design" root object.
var ErrNotDesignDocument = errors.New("state: document has no design root")

// Parse decodes raw snapshot bytes into the typed [Document] projection.
// Unknown fields are ignored; a missing "design" root is an error so that
// callers (the exporter in particular) can distinguish "empty document" from
// "not a design document at all".
func Parse(raw []byte) (*Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("state: parse document: %w", err)
	}
	if _, ok := probe["design"]; !ok {
		return nil, ErrNotDesignDocument
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("state: parse document: %w", err)
	}
	return &doc, nil
}

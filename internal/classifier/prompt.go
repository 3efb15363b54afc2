package classifier

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/hanrei/internal/model"
)

// classifyPromptTemplate is the four-part classification prompt: task
// framing with the severity rubric, document metadata, retrieved reference
// context, and the document under classification. The model must answer
// with a single JSON object.
const classifyPromptTemplate = `You are a legal document severity classifier. Assign exactly one severity label to the document below, using the labeled reference precedents as calibration.

Severity rubric:
- LOW: routine or administrative content with no meaningful legal exposure (notices, renewals, standard boilerplate).
- MEDIUM: matters needing attention but not urgent (disputed invoices, minor warranty claims, contract amendments with moderate terms).
- HIGH: significant legal exposure or obligations (material breach allegations, liquidated damages, indemnification triggers, regulatory inquiries).
- CRITICAL: severe and urgent exposure (termination for cause, fraud allegations, injunctions, criminal referral, existential contractual penalties).

Document metadata:
%s

%s

Document to classify:
---
%s
---

Respond with a single JSON object and nothing else:
{"label": "LOW|MEDIUM|HIGH|CRITICAL", "confidence": <number between 0 and 1>, "rationale": "<two or three sentences citing the decisive language and, where applicable, the matching precedents>"}`

// BuildPrompt assembles the classification prompt from the rendered
// retrieval context and the document with its metadata.
func BuildPrompt(renderedContext string, doc model.Document) string {
	return fmt.Sprintf(classifyPromptTemplate,
		renderMetadata(doc.Metadata),
		strings.TrimSpace(renderedContext),
		strings.TrimSpace(doc.Text))
}

func renderMetadata(m model.DocumentMetadata) string {
	filename := m.Filename
	if filename == "" {
		filename = "(unknown)"
	}
	lines := []string{
		fmt.Sprintf("- Filename: %s", filename),
		fmt.Sprintf("- Uploaded: %s", m.UploadDate.UTC().Format("2006-01-02")),
		fmt.Sprintf("- Size: %d bytes", m.FileSize),
	}
	return strings.Join(lines, "\n")
}

package tracker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

// Metadata is the machine-readable record embedded in a task body. It is the
// second state channel next to the label set: labels carry status, assignee
// and priority; the body block carries everything the label vocabulary cannot.
type Metadata struct {
	Workspace string   `json:"workspace,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Retries   int      `json:"retries"`
}

// MetadataKind tags which encoding a body block was parsed from.
type MetadataKind int

const (
	// MetadataAbsent means the body carries no recognizable block.
	MetadataAbsent MetadataKind = iota
	// MetadataLegacy is the single-line v1 format. Still readable, never written.
	MetadataLegacy
	// MetadataCurrent is the fenced v2 format all writers emit.
	MetadataCurrent
)

const (
	metaOpenCurrent = "<!-- outrider:v2"
	metaOpenLegacy  = "<!-- outrider-meta"
	metaClose       = "-->"

	planOpen   = "<!-- outrider:plan"
	reportOpen = "<!-- outrider:report"
)

// ParseMetadata extracts the embedded metadata block from a task body.
// Both the current and the legacy encodings are accepted; a missing or
// unparseable block yields MetadataAbsent with zero-value metadata.
func ParseMetadata(body string) (Metadata, MetadataKind) {
	if payload, ok := fencedPayload(body, metaOpenCurrent); ok {
		var md Metadata
		if err := json.Unmarshal([]byte(payload), &md); err == nil {
			return md, MetadataCurrent
		}
	}
	if payload, ok := fencedPayload(body, metaOpenLegacy); ok {
		var md Metadata
		if err := json.Unmarshal([]byte(payload), &md); err == nil {
			return md, MetadataLegacy
		}
	}
	return Metadata{}, MetadataAbsent
}

// RenderMetadata returns the body with its metadata block replaced by md in
// the current encoding. Blocks in either encoding are stripped first, so a
// legacy task is upgraded on its next write.
func RenderMetadata(body string, md Metadata) (string, error) {
	payload, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	stripped := stripFence(stripFence(body, metaOpenCurrent), metaOpenLegacy)
	stripped = strings.TrimRight(stripped, "\n")

	block := fmt.Sprintf("%s\n%s\n%s", metaOpenCurrent, payload, metaClose)
	if stripped == "" {
		return block, nil
	}
	return stripped + "\n\n" + block, nil
}

// RenderPlan encodes a plan as a comment body.
func RenderPlan(p *types.Plan) (string, error) {
	return renderRecord(planOpen, "Plan", p)
}

// RenderReport encodes a completion report as a comment body.
func RenderReport(r *types.Report) (string, error) {
	return renderRecord(reportOpen, "Completion report", r)
}

// ParsePlan extracts a plan record from a comment body.
func ParsePlan(body string) (*types.Plan, bool) {
	payload, ok := fencedPayload(body, planOpen)
	if !ok {
		return nil, false
	}
	var p types.Plan
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, false
	}
	return &p, true
}

// ParseReport extracts a report record from a comment body.
func ParseReport(body string) (*types.Report, bool) {
	payload, ok := fencedPayload(body, reportOpen)
	if !ok {
		return nil, false
	}
	var r types.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, false
	}
	return &r, true
}

func renderRecord(open, heading string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	return fmt.Sprintf("%s\n\n%s\n%s\n%s", heading, open, payload, metaClose), nil
}

// fencedPayload returns the text between an opening marker and the closing
// marker. The legacy format put the payload on the marker line itself, so both
// shapes are handled.
func fencedPayload(body, open string) (string, bool) {
	start := strings.Index(body, open)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(open):]
	end := strings.Index(rest, metaClose)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// stripFence removes a fenced block (marker through close) from the body.
func stripFence(body, open string) string {
	start := strings.Index(body, open)
	if start < 0 {
		return body
	}
	rest := body[start:]
	end := strings.Index(rest, metaClose)
	if end < 0 {
		return body
	}
	return body[:start] + rest[end+len(metaClose):]
}

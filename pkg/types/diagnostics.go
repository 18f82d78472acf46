package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/joshuapare/kmemkit/internal/diag"
)

// -----------------------------------------------------------------------------
// Diagnostics
// -----------------------------------------------------------------------------
//
// The allocators never trust their own metadata blindly. A page failing its
// free-time checks, a slab whose freelist leaves the slab, a double free or
// a free to the wrong cache is reported here, and the page or object is
// kept out of circulation instead of corrupting the allocator further.

// Severity classifies how serious a diagnostic issue is
// Re-exported from internal/diag for public API
type Severity = diag.Severity

const (
	SevInfo     = diag.SevInfo     // Informational (unusual but valid)
	SevWarning  = diag.SevWarning  // Contract misuse that was tolerated
	SevError    = diag.SevError    // Corrupt state; the page or object was quarantined
	SevCritical = diag.SevCritical // Allocator metadata corrupted
)

// DiagCategory classifies which layer detected the issue
// Re-exported from internal/diag for public API
type DiagCategory = diag.Category

const (
	DiagPage     = diag.CatPage
	DiagPCP      = diag.CatPCP
	DiagSlab     = diag.CatSlab
	DiagPerCPU   = diag.CatPerCPU
	DiagContract = diag.CatContract
)

// DiagAction describes what the allocator did with the offending resource
// Re-exported from internal/diag for public API
type DiagAction = diag.Action

const (
	ActionNone       = diag.ActionNone
	ActionQuarantine = diag.ActionQuarantine
	ActionRejected   = diag.ActionRejected
	ActionLeaked     = diag.ActionLeaked
)

// Diagnostic represents a single consistency violation
type Diagnostic = diag.Diagnostic

// DiagnosticReport collects the diagnostics of a system.
type DiagnosticReport struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	Dropped     int          `json:"dropped"` // overwritten before the report was taken

	Summary DiagSummary `json:"summary"`

	BySeverity map[Severity][]Diagnostic     `json:"-"`
	ByCategory map[DiagCategory][]Diagnostic `json:"-"`
	ByPFN      []Diagnostic                  `json:"-"` // sorted by pfn
}

// DiagSummary provides quick statistics
type DiagSummary struct {
	Critical int `json:"critical"`
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`

	Quarantined int `json:"quarantined"` // pages or slabs taken out of circulation
	Leaked      int `json:"leaked"`
}

// NewDiagnosticReport creates an empty report
func NewDiagnosticReport() *DiagnosticReport {
	return &DiagnosticReport{
		BySeverity: make(map[Severity][]Diagnostic),
		ByCategory: make(map[DiagCategory][]Diagnostic),
	}
}

// Add adds a diagnostic to the report and updates indices
func (r *DiagnosticReport) Add(d Diagnostic) {
	r.Diagnostics = append(r.Diagnostics, d)

	switch d.Severity {
	case SevCritical:
		r.Summary.Critical++
	case SevError:
		r.Summary.Errors++
	case SevWarning:
		r.Summary.Warnings++
	case SevInfo:
		r.Summary.Info++
	}
	switch d.Action {
	case ActionQuarantine:
		r.Summary.Quarantined++
	case ActionLeaked:
		r.Summary.Leaked++
	}

	r.BySeverity[d.Severity] = append(r.BySeverity[d.Severity], d)
	r.ByCategory[d.Category] = append(r.ByCategory[d.Category], d)
}

// Finalize sorts diagnostics by pfn and prepares for output
func (r *DiagnosticReport) Finalize() {
	r.ByPFN = slices.Clone(r.Diagnostics)
	slices.SortStableFunc(r.ByPFN, func(a, b Diagnostic) int {
		switch {
		case a.PFN < b.PFN:
			return -1
		case a.PFN > b.PFN:
			return 1
		}
		return 0
	})
}

// HasErrors returns true if any errors or critical issues were found
func (r *DiagnosticReport) HasErrors() bool {
	return r.Summary.Critical > 0 || r.Summary.Errors > 0
}

// HasAnyIssues returns true if any issues were found (including warnings and info)
func (r *DiagnosticReport) HasAnyIssues() bool {
	return len(r.Diagnostics) > 0
}

// -----------------------------------------------------------------------------
// Output Formatters
// -----------------------------------------------------------------------------

// FormatJSON returns the report as formatted JSON (2-space indentation)
func (r *DiagnosticReport) FormatJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatText returns a human-readable text report
func (r *DiagnosticReport) FormatText() string {
	var b strings.Builder

	b.WriteString(strings.Repeat("=", 79) + "\n")
	b.WriteString("Allocator Diagnostic Report\n")
	b.WriteString(strings.Repeat("=", 79) + "\n\n")

	b.WriteString("SUMMARY\n")
	b.WriteString(strings.Repeat("-", 79) + "\n")
	fmt.Fprintf(&b, "  Critical:    %d\n", r.Summary.Critical)
	fmt.Fprintf(&b, "  Errors:      %d\n", r.Summary.Errors)
	fmt.Fprintf(&b, "  Warnings:    %d\n", r.Summary.Warnings)
	fmt.Fprintf(&b, "  Info:        %d\n", r.Summary.Info)
	fmt.Fprintf(&b, "  Quarantined: %d\n", r.Summary.Quarantined)
	fmt.Fprintf(&b, "  Leaked:      %d\n\n", r.Summary.Leaked)
	if r.Dropped > 0 {
		fmt.Fprintf(&b, "  (%d older diagnostics were dropped)\n\n", r.Dropped)
	}

	if len(r.Diagnostics) == 0 {
		b.WriteString("No issues found.\n")
		return b.String()
	}

	b.WriteString("DIAGNOSTICS\n")
	b.WriteString(strings.Repeat("-", 79) + "\n\n")

	for _, severity := range []Severity{SevCritical, SevError, SevWarning, SevInfo} {
		diags := r.BySeverity[severity]
		if len(diags) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s (%d)\n", severity, len(diags))
		b.WriteString(strings.Repeat("~", 79) + "\n")

		for i, d := range diags {
			fmt.Fprintf(&b, "\n%d. [%s] pfn %#x\n", i+1, d.Category, d.PFN)
			fmt.Fprintf(&b, "   %s\n", d.Issue)
			if d.Addr != 0 {
				fmt.Fprintf(&b, "   Address:  %#x\n", d.Addr)
			}
			if d.Cache != "" {
				fmt.Fprintf(&b, "   Cache:    %s\n", d.Cache)
			}
			if d.Expected != nil {
				fmt.Fprintf(&b, "   Expected: %v\n", d.Expected)
			}
			if d.Actual != nil {
				fmt.Fprintf(&b, "   Actual:   %v\n", d.Actual)
			}
			fmt.Fprintf(&b, "   Action:   %s\n", d.Action)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatTextCompact returns a compact one-line-per-issue text format
func (r *DiagnosticReport) FormatTextCompact() string {
	var b strings.Builder
	for _, d := range r.ByPFN {
		fmt.Fprintf(&b, "%#010x [%s/%s/%s] %s\n", d.PFN, d.Severity, d.Category, d.Action, d.Issue)
	}
	if len(r.Diagnostics) == 0 {
		b.WriteString("No issues found.\n")
	}
	return b.String()
}

// Package diag records consistency violations detected by the allocators.
// A violation is logged, kept in a bounded in-memory log, and the offending
// page or object is kept out of circulation by the caller.
package diag

// Severity classifies how serious a diagnostic issue is
type Severity int

const (
	SevInfo     Severity = iota // Informational (unusual but valid)
	SevWarning                  // Contract misuse that was tolerated
	SevError                    // Corrupt state; the page or object was quarantined
	SevCritical                 // Allocator metadata corrupted
)

func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	case SevCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies which layer detected the issue
type Category int

const (
	CatPage     Category = iota // Page descriptor / buddy allocator
	CatPCP                      // Per-CPU page lists
	CatSlab                     // Slab pages and objects
	CatPerCPU                   // Per-CPU variable allocator
	CatContract                 // API misuse by a caller
)

func (c Category) String() string {
	switch c {
	case CatPage:
		return "PAGE"
	case CatPCP:
		return "PCP"
	case CatSlab:
		return "SLAB"
	case CatPerCPU:
		return "PERCPU"
	case CatContract:
		return "CONTRACT"
	default:
		return "UNKNOWN"
	}
}

// Action describes what the allocator did with the offending resource
type Action int

const (
	ActionNone       Action = iota // Reported only
	ActionQuarantine               // Removed from circulation
	ActionRejected                 // Operation refused, resource untouched
	ActionLeaked                   // Resource intentionally leaked
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionQuarantine:
		return "QUARANTINE"
	case ActionRejected:
		return "REJECTED"
	case ActionLeaked:
		return "LEAKED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostic represents a single consistency violation
type Diagnostic struct {
	// Classification
	Severity Severity `json:"severity"`
	Category Category `json:"category"`

	// Location
	PFN   uint64 `json:"pfn"`            // Page frame involved
	Addr  uint64 `json:"addr,omitempty"` // Object or page virtual address
	Cache string `json:"cache,omitempty"`

	// Description
	Issue    string `json:"issue"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`

	Action Action `json:"action"`
}

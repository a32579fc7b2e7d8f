package escalate

import "strings"

// Directive is the classified form of an admin reply body. Free-text
// keyword matching happens only here, at the boundary; the state machine
// itself never looks at strings.
type Directive int

const (
	DirectiveNone Directive = iota
	// DirectiveLockdown puts the pinned sender under lockdown.
	DirectiveLockdown
	// DirectiveRelease lifts a lockdown.
	DirectiveRelease
	// DirectiveAction disables the pinned sender permanently.
	DirectiveAction
)

func (d Directive) String() string {
	switch d {
	case DirectiveLockdown:
		return "lockdown"
	case DirectiveRelease:
		return "release"
	case DirectiveAction:
		return "action"
	default:
		return "none"
	}
}

// ParseDirective classifies an admin reply body. Recognition is
// case-insensitive exact keyword match; anything else is DirectiveNone and
// the reply is ignored.
func ParseDirective(text string) Directive {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case ".sharigan":
		return DirectiveLockdown
	case "release":
		return DirectiveRelease
	case "action":
		return DirectiveAction
	default:
		return DirectiveNone
	}
}

package speaker

import (
	"fmt"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// Role is who authored a message.
type Role string

const (
	// RoleYou is the account owner who exported the history.
	RoleYou Role = "you"
	// RoleClient is the counterparty.
	RoleClient Role = "client"
)

// Opposite returns the other role.
func (r Role) Opposite() Role {
	if r == RoleYou {
		return RoleClient
	}
	return RoleYou
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleYou || r == RoleClient
}

// HintKind categorises a contextual hint.
type HintKind string

const (
	HintPhrase     HintKind = "phrase"
	HintVocabulary HintKind = "vocabulary"
	HintStyle      HintKind = "style"
	HintTiming     HintKind = "timing"
	HintLength     HintKind = "length"
)

// Hint is a declarative content rule. New hints need no classifier change.
type Hint struct {
	Kind           HintKind
	Pattern        *regexp.Regexp
	ImpliedRole    Role
	BaseConfidence float64
	Description    string
}

// Profile is the set of known identifiers and hints an Identifier classifies
// against.
type Profile struct {
	UserIdentifiers   []string
	ClientIdentifiers []string
	PhonePatterns     []*regexp.Regexp
	EmailPattern      *regexp.Regexp
	Hints             []Hint
}

func (p *Profile) clone() *Profile {
	return &Profile{
		UserIdentifiers:   slices.Clone(p.UserIdentifiers),
		ClientIdentifiers: slices.Clone(p.ClientIdentifiers),
		PhonePatterns:     slices.Clone(p.PhonePatterns),
		EmailPattern:      p.EmailPattern,
		Hints:             slices.Clone(p.Hints),
	}
}

// DefaultProfile returns the built-in identifiers, contact patterns and hints.
func DefaultProfile() *Profile {
	return &Profile{
		UserIdentifiers: []string{
			"me", "sent", "outgoing", "outbound", "you", "business", "owner", "admin", "staff", "office",
		},
		ClientIdentifiers: []string{
			"received", "incoming", "inbound", "client", "customer", "patient", "guest",
		},
		PhonePatterns: []*regexp.Regexp{
			regexp.MustCompile(`^\+?1?[\s.-]?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}$`),
			regexp.MustCompile(`^\+\d{7,15}$`),
			regexp.MustCompile(`^\d{10,11}$`),
		},
		EmailPattern: regexp.MustCompile(`(?i)^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`),
		Hints: []Hint{
			{
				Kind:           HintPhrase,
				Pattern:        regexp.MustCompile(`(?i)\b(thanks|thank you|thx|appreciate it|appreciate you)\b`),
				ImpliedRole:    RoleClient,
				BaseConfidence: 0.6,
				Description:    "politeness toward the business",
			},
			{
				Kind:           HintPhrase,
				Pattern:        regexp.MustCompile(`(?i)\b(can i|could i|do you have|are you (open|available)|how much)\b`),
				ImpliedRole:    RoleClient,
				BaseConfidence: 0.55,
				Description:    "customer enquiry",
			},
			{
				Kind:           HintPhrase,
				Pattern:        regexp.MustCompile(`(?i)\b(your appointment|reminder|your invoice|balance (is )?due|we('ll| will) see you|see you then)\b`),
				ImpliedRole:    RoleYou,
				BaseConfidence: 0.6,
				Description:    "business-side scheduling or billing language",
			},
			{
				Kind:           HintVocabulary,
				Pattern:        regexp.MustCompile(`(?i)\b(quote|estimate|deposit|booked you|confirmed for)\b`),
				ImpliedRole:    RoleYou,
				BaseConfidence: 0.5,
				Description:    "service provider vocabulary",
			},
			{
				Kind:           HintStyle,
				Pattern:        regexp.MustCompile(`\?\s*$`),
				ImpliedRole:    RoleClient,
				BaseConfidence: 0.5,
				Description:    "ends with a question",
			},
		},
	}
}

// HintSpec is the serialisable form of a Hint.
type HintSpec struct {
	Kind           HintKind `json:"kind" yaml:"kind"`
	Pattern        string   `json:"pattern" yaml:"pattern"`
	ImpliedRole    Role     `json:"implied_role" yaml:"implied_role"`
	BaseConfidence float64  `json:"base_confidence" yaml:"base_confidence"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ProfileSnapshot is the persisted form of a Profile. Empty fields keep the
// defaults when the snapshot is loaded.
type ProfileSnapshot struct {
	UserIdentifiers   []string   `json:"user_identifiers,omitempty" yaml:"user_identifiers,omitempty"`
	ClientIdentifiers []string   `json:"client_identifiers,omitempty" yaml:"client_identifiers,omitempty"`
	PhonePatterns     []string   `json:"phone_patterns,omitempty" yaml:"phone_patterns,omitempty"`
	EmailPattern      string     `json:"email_pattern,omitempty" yaml:"email_pattern,omitempty"`
	Hints             []HintSpec `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// SnapshotOf converts a profile into its serialisable form.
func SnapshotOf(p *Profile) ProfileSnapshot {
	snap := ProfileSnapshot{
		UserIdentifiers:   slices.Clone(p.UserIdentifiers),
		ClientIdentifiers: slices.Clone(p.ClientIdentifiers),
	}
	for _, re := range p.PhonePatterns {
		snap.PhonePatterns = append(snap.PhonePatterns, re.String())
	}
	if p.EmailPattern != nil {
		snap.EmailPattern = p.EmailPattern.String()
	}
	for _, h := range p.Hints {
		spec := HintSpec{
			Kind:           h.Kind,
			ImpliedRole:    h.ImpliedRole,
			BaseConfidence: h.BaseConfidence,
			Description:    h.Description,
		}
		if h.Pattern != nil {
			spec.Pattern = h.Pattern.String()
		}
		snap.Hints = append(snap.Hints, spec)
	}
	return snap
}

// ProfileFromSnapshot compiles a snapshot. Fields absent from the snapshot
// are left nil so NewIdentifier fills them from the defaults.
func ProfileFromSnapshot(snap ProfileSnapshot) (*Profile, error) {
	p := &Profile{
		UserIdentifiers:   slices.Clone(snap.UserIdentifiers),
		ClientIdentifiers: slices.Clone(snap.ClientIdentifiers),
	}
	for _, src := range snap.PhonePatterns {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("speaker: compile phone pattern %q: %w", src, err)
		}
		p.PhonePatterns = append(p.PhonePatterns, re)
	}
	if snap.EmailPattern != "" {
		re, err := regexp.Compile(snap.EmailPattern)
		if err != nil {
			return nil, fmt.Errorf("speaker: compile email pattern: %w", err)
		}
		p.EmailPattern = re
	}
	for i, spec := range snap.Hints {
		if !spec.ImpliedRole.Valid() {
			return nil, fmt.Errorf("speaker: hint %d: unknown role %q", i, spec.ImpliedRole)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("speaker: hint %d: compile pattern: %w", i, err)
		}
		p.Hints = append(p.Hints, Hint{
			Kind:           spec.Kind,
			Pattern:        re,
			ImpliedRole:    spec.ImpliedRole,
			BaseConfidence: spec.BaseConfidence,
			Description:    spec.Description,
		})
	}
	return p, nil
}

// LoadProfileFile reads a YAML profile used to configure the process.
func LoadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("speaker: read profile file: %w", err)
	}
	var snap ProfileSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("speaker: parse profile file: %w", err)
	}
	return ProfileFromSnapshot(snap)
}

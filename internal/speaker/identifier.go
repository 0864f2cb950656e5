// Package speaker attributes exported messages to the account owner or the
// counterparty by combining weighted evidence.
package speaker

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

var tracer = otel.Tracer("convo/speaker-identifier")

// EvidenceKind describes the nature of an observation.
type EvidenceKind string

const (
	EvidenceExplicit    EvidenceKind = "explicit"
	EvidenceContextual  EvidenceKind = "contextual"
	EvidencePattern     EvidenceKind = "pattern"
	EvidenceInference   EvidenceKind = "inference"
	EvidenceStatistical EvidenceKind = "statistical"
)

// Evidence sources.
const (
	SourceMessageType = "message_type"
	SourceSenderName  = "sender_identifier"
	SourcePhone       = "phone_pattern"
	SourceEmail       = "email_pattern"
	SourceHint        = "contextual_hint"
	SourceLongContent = "long_content"
	SourceShortReply  = "short_content"
	SourceFlow        = "conversation_flow"
)

// Evidence is one atomic observation. Role is the side it supports.
type Evidence struct {
	Kind       EvidenceKind `json:"kind"`
	Source     string       `json:"source"`
	Value      string       `json:"value"`
	Confidence float64      `json:"confidence"`
	Weight     float64      `json:"weight"`
	Role       Role         `json:"role"`
}

// Result is the identification outcome.
type Result struct {
	Role         Role       `json:"role"`
	Confidence   float64    `json:"confidence"`
	Evidence     []Evidence `json:"evidence"`
	Reasoning    string     `json:"reasoning"`
	FallbackUsed bool       `json:"fallback_used"`
}

// PriorMessage is an already attributed message that precedes the one being
// identified.
type PriorMessage struct {
	Role    Role
	Content string
}

// Input is one message to attribute.
type Input struct {
	Sender      string
	MessageType string
	Content     string
	Prior       []PriorMessage
}

const (
	longContentLen  = 200
	shortContentLen = 20
	decidedFloor    = 0.5
	defaultedScore  = 0.1
)

var (
	outgoingTypes = []string{"sent", "outgoing", "outbound", "out"}
	incomingTypes = []string{"received", "incoming", "inbound", "in"}
)

// Identifier classifies senders against a Profile. Identify is safe for
// concurrent use; LearnFromCorrection is the only mutation and holds the lock.
type Identifier struct {
	mu      sync.RWMutex
	profile *Profile
	logger  *logging.Logger
	metrics *metrics.RecoveryMetrics
}

// IdentifierOption customizes an Identifier.
type IdentifierOption func(*Identifier)

func WithIdentifierLogger(logger *logging.Logger) IdentifierOption {
	return func(id *Identifier) {
		if logger != nil {
			id.logger = logger
		}
	}
}

func WithIdentifierMetrics(m *metrics.RecoveryMetrics) IdentifierOption {
	return func(id *Identifier) {
		id.metrics = m
	}
}

// NewIdentifier creates an identifier. Non-nil fields of partial replace the
// corresponding defaults; a nil partial uses DefaultProfile as is.
func NewIdentifier(partial *Profile, opts ...IdentifierOption) *Identifier {
	p := DefaultProfile()
	if partial != nil {
		if partial.UserIdentifiers != nil {
			p.UserIdentifiers = slices.Clone(partial.UserIdentifiers)
		}
		if partial.ClientIdentifiers != nil {
			p.ClientIdentifiers = slices.Clone(partial.ClientIdentifiers)
		}
		if partial.PhonePatterns != nil {
			p.PhonePatterns = slices.Clone(partial.PhonePatterns)
		}
		if partial.EmailPattern != nil {
			p.EmailPattern = partial.EmailPattern
		}
		if partial.Hints != nil {
			p.Hints = slices.Clone(partial.Hints)
		}
	}
	id := &Identifier{profile: p, logger: logging.Default()}
	for _, opt := range opts {
		opt(id)
	}
	id.logger = id.logger.Component("speaker")
	return id
}

// Identify attributes one message. It always returns a role.
func (id *Identifier) Identify(ctx context.Context, in Input) Result {
	_, span := tracer.Start(ctx, "speaker.identify")
	defer span.End()

	id.mu.RLock()
	evidence := id.collect(in)
	id.mu.RUnlock()

	res := decide(evidence)

	span.SetAttributes(
		attribute.String("speaker.role", string(res.Role)),
		attribute.Float64("speaker.confidence", res.Confidence),
		attribute.Int("speaker.evidence", len(res.Evidence)),
		attribute.Bool("speaker.fallback", res.FallbackUsed),
	)
	id.metrics.ObserveSpeaker(string(res.Role), res.FallbackUsed)
	id.logger.Debug("speaker identified",
		"role", res.Role,
		"confidence", res.Confidence,
		"evidence", len(res.Evidence),
		"fallback", res.FallbackUsed,
	)
	return res
}

func (id *Identifier) collect(in Input) []Evidence {
	var ev []Evidence

	if role, ok := directionRole(in.MessageType); ok {
		ev = append(ev, Evidence{
			Kind: EvidenceExplicit, Source: SourceMessageType, Value: in.MessageType,
			Confidence: 0.95, Weight: 3.0, Role: role,
		})
	}

	sender := strings.TrimSpace(in.Sender)
	if sender != "" {
		if role, token, ok := id.matchIdentifier(sender); ok {
			ev = append(ev, Evidence{
				Kind: EvidenceExplicit, Source: SourceSenderName, Value: token,
				Confidence: 0.9, Weight: 2.5, Role: role,
			})
		}
		switch {
		case id.isPhone(sender):
			ev = append(ev, Evidence{
				Kind: EvidencePattern, Source: SourcePhone, Value: sender,
				Confidence: 0.8, Weight: 2.0, Role: RoleClient,
			})
		case id.profile.EmailPattern != nil && id.profile.EmailPattern.MatchString(sender):
			ev = append(ev, Evidence{
				Kind: EvidencePattern, Source: SourceEmail, Value: sender,
				Confidence: 0.7, Weight: 1.5, Role: RoleClient,
			})
		}
	}

	content := strings.TrimSpace(in.Content)
	if content != "" {
		for _, h := range id.profile.Hints {
			if h.Pattern == nil || !h.ImpliedRole.Valid() {
				continue
			}
			loc := h.Pattern.FindStringIndex(content)
			if loc == nil {
				continue
			}
			value := content[loc[0]:loc[1]]
			if strings.TrimSpace(value) == "" {
				value = h.Description
			}
			ev = append(ev, Evidence{
				Kind: EvidenceContextual, Source: SourceHint, Value: value,
				Confidence: h.BaseConfidence, Weight: 1.0, Role: h.ImpliedRole,
			})
		}
		switch n := utf8.RuneCountInString(content); {
		case n > longContentLen:
			ev = append(ev, Evidence{
				Kind: EvidenceStatistical, Source: SourceLongContent, Value: fmt.Sprintf("%d chars", n),
				Confidence: 0.4, Weight: 0.5, Role: RoleClient,
			})
		case n < shortContentLen:
			ev = append(ev, Evidence{
				Kind: EvidenceStatistical, Source: SourceShortReply, Value: fmt.Sprintf("%d chars", n),
				Confidence: 0.3, Weight: 0.3, Role: RoleYou,
			})
		}
	}

	// Flow evidence assumes strict turn-taking, which batched or multi-party
	// exports break. It stays weak so explicit signals always outvote it.
	if len(in.Prior) >= 2 {
		last := in.Prior[len(in.Prior)-1].Role
		if last.Valid() {
			ev = append(ev, Evidence{
				Kind: EvidenceInference, Source: SourceFlow, Value: "previous: " + string(last),
				Confidence: 0.6, Weight: 1.0, Role: last.Opposite(),
			})
		}
	}
	return ev
}

func decide(ev []Evidence) Result {
	if len(ev) == 0 {
		return Result{
			Role:         RoleClient,
			Confidence:   defaultedScore,
			Reasoning:    "no evidence; defaulted to client",
			FallbackUsed: true,
		}
	}

	var you, client, weighted, weights float64
	for _, e := range ev {
		score := e.Confidence * e.Weight
		if e.Role == RoleYou {
			you += score
		} else {
			client += score
		}
		weighted += score
		weights += e.Weight
	}

	if you == client {
		return Result{
			Role:         RoleClient,
			Confidence:   defaultedScore,
			Evidence:     ev,
			Reasoning:    fmt.Sprintf("evidence tied at %.2f; defaulted to client", you),
			FallbackUsed: true,
		}
	}

	role, win, lose := RoleClient, client, you
	if you > client {
		role, win, lose = RoleYou, you, client
	}
	conf := decidedFloor
	if weights > 0 && weighted/weights > conf {
		conf = weighted / weights
	}
	return Result{
		Role:       role,
		Confidence: conf,
		Evidence:   ev,
		Reasoning:  reasoning(role, win, lose, ev),
	}
}

func reasoning(role Role, win, lose float64, ev []Evidence) string {
	var sources []string
	for _, e := range ev {
		if e.Role == role && !slices.Contains(sources, e.Source) {
			sources = append(sources, e.Source)
		}
	}
	return fmt.Sprintf("%s scored %.2f vs %.2f from %s", role, win, lose, strings.Join(sources, ", "))
}

func directionRole(messageType string) (Role, bool) {
	t := strings.ToLower(strings.TrimSpace(messageType))
	switch {
	case t == "":
		return "", false
	case slices.Contains(outgoingTypes, t):
		return RoleYou, true
	case slices.Contains(incomingTypes, t):
		return RoleClient, true
	}
	return "", false
}

// matchIdentifier checks the user list first. Identifiers of two characters or
// fewer must match a whole token so "me" does not hit "James".
func (id *Identifier) matchIdentifier(sender string) (Role, string, bool) {
	lower := strings.ToLower(sender)
	tokens := tokenize(lower)
	lists := []struct {
		role Role
		ids  []string
	}{
		{RoleYou, id.profile.UserIdentifiers},
		{RoleClient, id.profile.ClientIdentifiers},
	}
	for _, l := range lists {
		for _, ident := range l.ids {
			ident = strings.ToLower(strings.TrimSpace(ident))
			if ident == "" {
				continue
			}
			if len(ident) <= 2 {
				if slices.Contains(tokens, ident) {
					return l.role, ident, true
				}
				continue
			}
			if strings.Contains(lower, ident) {
				return l.role, ident, true
			}
		}
	}
	return "", "", false
}

func (id *Identifier) isPhone(sender string) bool {
	for _, re := range id.profile.PhonePatterns {
		if re.MatchString(sender) {
			return true
		}
	}
	return false
}

var nonWord = regexp.MustCompile(`\W+`)

func tokenize(s string) []string {
	var out []string
	for _, t := range nonWord.Split(s, -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// LearnFromCorrection records the tokens of sender as identifiers of role.
// Tokens already claimed by either list are skipped. It returns the tokens
// that were added.
func (id *Identifier) LearnFromCorrection(sender string, role Role) []string {
	if !role.Valid() {
		return nil
	}
	id.mu.Lock()
	defer id.mu.Unlock()

	known := func(tok string) bool {
		for _, list := range [][]string{id.profile.UserIdentifiers, id.profile.ClientIdentifiers} {
			for _, ident := range list {
				if strings.EqualFold(ident, tok) {
					return true
				}
			}
		}
		return false
	}

	var added []string
	for _, tok := range tokenize(strings.ToLower(sender)) {
		if len(tok) <= 2 || known(tok) {
			continue
		}
		if role == RoleYou {
			id.profile.UserIdentifiers = append(id.profile.UserIdentifiers, tok)
		} else {
			id.profile.ClientIdentifiers = append(id.profile.ClientIdentifiers, tok)
		}
		added = append(added, tok)
	}
	if len(added) > 0 {
		id.logger.Info("speaker profile learned tokens", "role", role, "tokens", added)
	}
	return added
}

// Snapshot returns a copy of the current profile in serialisable form.
func (id *Identifier) Snapshot() ProfileSnapshot {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return SnapshotOf(id.profile.clone())
}

package speaker

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

func newTestIdentifier(p *Profile) *Identifier {
	return NewIdentifier(p, WithIdentifierLogger(logging.Discard()))
}

func margin(res Result, role Role) float64 {
	var forRole, against float64
	for _, e := range res.Evidence {
		if e.Role == role {
			forRole += e.Confidence * e.Weight
		} else {
			against += e.Confidence * e.Weight
		}
	}
	return forRole - against
}

func TestIdentify_SentMessageType(t *testing.T) {
	id := newTestIdentifier(nil)
	res := id.Identify(context.Background(), Input{Sender: "Sent", MessageType: "sent"})

	assert.Equal(t, RoleYou, res.Role)
	assert.GreaterOrEqual(t, res.Confidence, 0.9)
	assert.False(t, res.FallbackUsed)
}

func TestIdentify_PhoneSenderIsClient(t *testing.T) {
	id := newTestIdentifier(nil)
	res := id.Identify(context.Background(), Input{Sender: "+16475551234"})

	assert.Equal(t, RoleClient, res.Role)
	assert.False(t, res.FallbackUsed)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
	assert.LessOrEqual(t, res.Confidence, 0.9)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, SourcePhone, res.Evidence[0].Source)
}

func TestIdentify_EmailSenderIsClient(t *testing.T) {
	id := newTestIdentifier(nil)
	res := id.Identify(context.Background(), Input{Sender: "jane.doe@example.com"})

	assert.Equal(t, RoleClient, res.Role)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, SourceEmail, res.Evidence[0].Source)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
}

func TestIdentify_NoEvidenceDefaultsToClient(t *testing.T) {
	id := newTestIdentifier(nil)
	res := id.Identify(context.Background(), Input{Sender: "Jordan Lee"})

	assert.Equal(t, RoleClient, res.Role)
	assert.True(t, res.FallbackUsed)
	assert.InDelta(t, 0.1, res.Confidence, 1e-9)
	assert.Empty(t, res.Evidence)
}

func TestIdentify_TieDefaultsToClient(t *testing.T) {
	id := newTestIdentifier(&Profile{
		UserIdentifiers:   []string{},
		ClientIdentifiers: []string{},
		Hints: []Hint{
			{Kind: HintPhrase, Pattern: regexp.MustCompile(`alpha`), ImpliedRole: RoleYou, BaseConfidence: 0.5},
			{Kind: HintPhrase, Pattern: regexp.MustCompile(`beta`), ImpliedRole: RoleClient, BaseConfidence: 0.5},
		},
	})
	res := id.Identify(context.Background(), Input{Content: "alpha and beta and more words here"})

	assert.Equal(t, RoleClient, res.Role)
	assert.True(t, res.FallbackUsed)
	assert.Len(t, res.Evidence, 2)
}

func TestIdentify_Monotonicity(t *testing.T) {
	id := newTestIdentifier(nil)
	ctx := context.Background()

	typeOnly := id.Identify(ctx, Input{MessageType: "sent", Content: "Your appointment is confirmed for Friday at 3pm"})
	senderOnly := id.Identify(ctx, Input{Sender: "Business Line", Content: "Your appointment is confirmed for Friday at 3pm"})
	both := id.Identify(ctx, Input{MessageType: "sent", Sender: "Business Line", Content: "Your appointment is confirmed for Friday at 3pm"})

	require.Equal(t, RoleYou, typeOnly.Role)
	require.Equal(t, RoleYou, senderOnly.Role)
	require.Equal(t, RoleYou, both.Role)
	assert.GreaterOrEqual(t, margin(both, RoleYou), margin(typeOnly, RoleYou))
	assert.GreaterOrEqual(t, margin(both, RoleYou), margin(senderOnly, RoleYou))
}

func TestIdentify_PolitenessFromNamedSender(t *testing.T) {
	id := newTestIdentifier(nil)
	res := id.Identify(context.Background(), Input{
		Sender:  "John Smith",
		Content: "thanks for the quick service!",
	})
	assert.Equal(t, RoleClient, res.Role)
	assert.False(t, res.FallbackUsed)
}

func TestIdentify_ShortIdentifiersNeedWholeToken(t *testing.T) {
	id := newTestIdentifier(nil)

	res := id.Identify(context.Background(), Input{Sender: "James"})
	assert.True(t, res.FallbackUsed, "'me' must not match inside 'James'")

	res = id.Identify(context.Background(), Input{Sender: "Me"})
	assert.Equal(t, RoleYou, res.Role)
}

func TestIdentify_LengthSignals(t *testing.T) {
	id := newTestIdentifier(&Profile{Hints: []Hint{}})

	long := id.Identify(context.Background(), Input{Content: strings.Repeat("word ", 60)})
	assert.Equal(t, RoleClient, long.Role)
	require.Len(t, long.Evidence, 1)
	assert.Equal(t, SourceLongContent, long.Evidence[0].Source)

	short := id.Identify(context.Background(), Input{Content: "ok"})
	assert.Equal(t, RoleYou, short.Role)
	require.Len(t, short.Evidence, 1)
	assert.Equal(t, SourceShortReply, short.Evidence[0].Source)
}

func TestIdentify_ConversationFlow(t *testing.T) {
	id := newTestIdentifier(&Profile{Hints: []Hint{}})
	content := "a message long enough to skip short signals"

	res := id.Identify(context.Background(), Input{
		Content: content,
		Prior:   []PriorMessage{{Role: RoleYou}, {Role: RoleClient}},
	})
	assert.Equal(t, RoleYou, res.Role)

	res = id.Identify(context.Background(), Input{
		Content: content,
		Prior:   []PriorMessage{{Role: RoleClient}},
	})
	assert.True(t, res.FallbackUsed, "a single prior message is not enough")
}

func TestIdentify_EvidenceIsAllCollected(t *testing.T) {
	id := newTestIdentifier(nil)
	res := id.Identify(context.Background(), Input{
		Sender:      "+16475551234",
		MessageType: "received",
		Content:     "Thanks! Can I book for next week?",
	})
	sources := map[string]bool{}
	for _, e := range res.Evidence {
		sources[e.Source] = true
	}
	assert.True(t, sources[SourceMessageType])
	assert.True(t, sources[SourcePhone])
	assert.True(t, sources[SourceHint])
	assert.Equal(t, RoleClient, res.Role)
	assert.NotEmpty(t, res.Reasoning)
}

func TestLearnFromCorrection(t *testing.T) {
	id := newTestIdentifier(nil)
	ctx := context.Background()

	before := id.Identify(ctx, Input{Sender: "Glow Studio"})
	require.True(t, before.FallbackUsed)

	added := id.LearnFromCorrection("Glow Studio", RoleYou)
	assert.Equal(t, []string{"glow", "studio"}, added)

	after := id.Identify(ctx, Input{Sender: "Glow Studio"})
	assert.Equal(t, RoleYou, after.Role)
	assert.False(t, after.FallbackUsed)
}

func TestLearnFromCorrection_DoesNotStealOtherRoleTokens(t *testing.T) {
	id := newTestIdentifier(nil)

	added := id.LearnFromCorrection("Customer Service Desk", RoleYou)
	assert.Equal(t, []string{"service", "desk"}, added)

	snap := id.Snapshot()
	assert.Contains(t, snap.ClientIdentifiers, "customer")
	assert.NotContains(t, snap.UserIdentifiers, "customer")

	assert.Empty(t, id.LearnFromCorrection("Service Desk", RoleClient))
	assert.Empty(t, id.LearnFromCorrection("Al B", RoleClient), "tokens of two characters or fewer are ignored")
	assert.Nil(t, id.LearnFromCorrection("Someone", Role("admin")))
}

func TestLearnFromCorrection_Concurrent(t *testing.T) {
	id := newTestIdentifier(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id.LearnFromCorrection("Northside Spa", RoleYou)
		}()
		go func() {
			defer wg.Done()
			id.Identify(context.Background(), Input{Sender: "Northside Spa"})
		}()
	}
	wg.Wait()

	snap := id.Snapshot()
	count := 0
	for _, tok := range snap.UserIdentifiers {
		if tok == "northside" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestNewIdentifier_PartialProfileKeepsDefaults(t *testing.T) {
	id := newTestIdentifier(&Profile{UserIdentifiers: []string{"acme"}})
	snap := id.Snapshot()

	assert.Equal(t, []string{"acme"}, snap.UserIdentifiers)
	assert.Equal(t, DefaultProfile().ClientIdentifiers, snap.ClientIdentifiers)
	assert.NotEmpty(t, snap.PhonePatterns)
	assert.NotEmpty(t, snap.Hints)
}

package archive

import (
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/corruption"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
)

// HashContact returns the hex SHA-256 of a phone number or address. Manifest
// entries carry these in place of the senders.
func HashContact(contact string) string {
	h := sha256.Sum256([]byte(contact))
	return fmt.Sprintf("%x", h)
}

// ScrubPII replaces emails with [EMAIL] and phone numbers with [PHONE].
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}

// ScrubRow returns a copy of r with every string value scrubbed, nested
// arrays and objects included.
func ScrubRow(r row.Raw) row.Raw {
	out := r.Clone()
	for i, c := range out {
		out[i].Value = scrubValue(c.Value)
	}
	return out
}

func scrubValue(v any) any {
	switch t := v.(type) {
	case string:
		return ScrubPII(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = scrubValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = scrubValue(e)
		}
		return out
	case row.Raw:
		return ScrubRow(t)
	}
	return v
}

// ScrubResult returns a copy of res with every free-text field scrubbed: the
// rows, issue descriptions, reconstruction details, the raw timestamp input
// and the attribution evidence and reasoning. The input is not modified.
func ScrubResult(res recovery.Result) recovery.Result {
	if res.Original != nil {
		res.Original = ScrubRow(res.Original)
	}
	if res.Recovered != nil {
		res.Recovered = ScrubRow(res.Recovered)
	}
	res.OriginalIssues = ScrubIssues(res.OriginalIssues)
	res.RemainingIssues = ScrubIssues(res.RemainingIssues)
	res.ReconstructionDetails = scrubStrings(res.ReconstructionDetails)

	if res.TimestampReconstruction != nil {
		ts := *res.TimestampReconstruction
		ts.OriginalInput = scrubStrings(ts.OriginalInput)
		res.TimestampReconstruction = &ts
	}
	if res.Attribution != nil {
		attr := *res.Attribution
		attr.Reasoning = ScrubPII(attr.Reasoning)
		if attr.Evidence != nil {
			attr.Evidence = make([]speaker.Evidence, len(res.Attribution.Evidence))
			for i, ev := range res.Attribution.Evidence {
				ev.Source = ScrubPII(ev.Source)
				ev.Value = ScrubPII(ev.Value)
				attr.Evidence[i] = ev
			}
		}
		res.Attribution = &attr
	}
	return res
}

// ScrubIssues returns a copy of issues with the descriptions scrubbed.
func ScrubIssues(issues []corruption.Issue) []corruption.Issue {
	if issues == nil {
		return nil
	}
	out := make([]corruption.Issue, len(issues))
	for i, is := range issues {
		is.Description = ScrubPII(is.Description)
		out[i] = is
	}
	return out
}

func scrubStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = ScrubPII(s)
	}
	return out
}

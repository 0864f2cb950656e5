package recovery

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/wolfman30/conversation-recovery/internal/recovery/corruption"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/recovery/timestamp"
)

// Method names a repair strategy.
type Method string

const (
	MethodFieldRemapping     Method = "field_remapping"
	MethodFragmentReassembly Method = "fragment_reassembly"
	MethodTimestampRecovery  Method = "timestamp_recovery"
	MethodContextualRecovery Method = "contextual_recovery"
	MethodStructuralRecovery Method = "structural_recovery"
)

// state is the per-row working set threaded through the strategies.
type state struct {
	index          int
	issues         []corruption.Issue
	original       row.Raw
	data           row.Raw
	dataset        []row.Raw
	reconstruction *timestamp.Result
	details        []string
}

// note records what a strategy did to the row.
func (s *state) note(format string, args ...any) {
	s.details = append(s.details, fmt.Sprintf(format, args...))
}

type strategy struct {
	method Method
	run    func(ctx context.Context, s *state) error
}

func (e *Engine) strategies() []strategy {
	return []strategy{
		{MethodFieldRemapping, remapFields},
		{MethodFragmentReassembly, reassembleFragments},
		{MethodTimestampRecovery, e.recoverTimestamp},
		{MethodContextualRecovery, recoverFromContext},
		{MethodStructuralRecovery, recoverStructure},
	}
}

// apply runs one strategy on a copy of the row. The copy replaces the row only
// when the strategy finished and changed something; errors and panics leave
// the row as it was and are recorded as details.
func (e *Engine) apply(ctx context.Context, st *state, s strategy) (changed bool) {
	before := st.data
	work := *st
	work.data = before.Clone()
	work.details = nil

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovery strategy panicked",
				"row_index", st.index,
				"strategy", s.method,
				"panic", fmt.Sprint(r),
			)
			st.note("strategy %s panicked: %v", s.method, r)
			changed = false
		}
	}()

	if err := s.run(ctx, &work); err != nil {
		e.logger.Warn("recovery strategy failed",
			"row_index", st.index,
			"strategy", s.method,
			"error", err,
		)
		st.note("strategy %s failed: %v", s.method, err)
		return false
	}
	st.reconstruction = work.reconstruction
	st.details = append(st.details, work.details...)
	if reflect.DeepEqual(before, work.data) {
		return false
	}
	st.data = work.data
	e.logger.Debug("recovery strategy applied", "row_index", st.index, "strategy", s.method)
	return true
}

// remapFields renames recognised columns to canonical field names. The first
// column holding a value wins; a canonical key already in the row is kept.
func remapFields(_ context.Context, s *state) error {
	for _, field := range row.Fields {
		canonical := string(field)
		if _, exists := s.data.Get(canonical); exists {
			continue
		}
		key, _, _ := s.data.Find(field)
		if key == "" {
			continue
		}
		s.data.Rename(key, canonical)
		s.note("remapped %q to %s", key, canonical)
	}
	return nil
}

const minFragmentLen = 5

// metadataKeys are normalised column names that carry export bookkeeping
// rather than message text or time.
var metadataKeys = map[string]bool{
	"id": true, "messageid": true, "msgid": true, "guid": true, "uid": true, "rowid": true,
	"threadid": true, "conversationid": true, "chatid": true, "groupid": true,
	"status": true, "deliverystatus": true, "service": true, "account": true,
	"attachment": true, "attachments": true, "attachmentcount": true, "mimetype": true,
	"read": true, "isread": true, "delivered": true, "isdelivered": true, "seen": true,
	"error": true, "errorcode": true,
}

func isMetadata(key string) bool {
	return metadataKeys[row.NormalizeKey(key)]
}

// reassembleFragments rebuilds content split across columns when the detector
// flagged fragmentation. Columns it consumes are removed.
func reassembleFragments(_ context.Context, s *state) error {
	if !corruption.HasKind(s.issues, corruption.KindFragmentedData, "") {
		return nil
	}

	var parts, sources, consumed []string
	contentKey, _, _ := s.data.Find(row.FieldContent)
	for _, c := range s.data {
		if f, ok := row.FieldForKey(c.Key); ok && f != row.FieldContent {
			continue
		}
		if isMetadata(c.Key) {
			continue
		}
		text, ok := c.Value.(string)
		if !ok {
			continue
		}
		text = strings.Join(strings.Fields(text), " ")
		if len([]rune(text)) <= minFragmentLen || corruption.ValidTimestamp(text) {
			continue
		}
		parts = append(parts, text)
		sources = append(sources, c.Key)
		if c.Key != contentKey {
			consumed = append(consumed, c.Key)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	candidate := strings.Join(parts, " ")
	if len([]rune(candidate)) <= len([]rune(s.data.FieldText(row.FieldContent))) {
		return nil
	}
	for _, key := range consumed {
		s.data.Delete(key)
	}
	if contentKey == "" {
		contentKey = string(row.FieldContent)
	}
	s.data.Set(contentKey, candidate)
	s.note("reassembled content from %s", quoteAll(sources))
	return nil
}

// recoverTimestamp reconstructs the timestamp from the row's timestamp
// columns plus any other string column that looks like a timestamp component.
// The canonical column goes first so its components win the merge. Bare
// numbers in unknown columns are only considered when the row has no
// timestamp column at all. Only columns that fed a successful reconstruction
// are removed; the result is written under both timestamp keys.
func (e *Engine) recoverTimestamp(_ context.Context, s *state) error {
	if s.data.Has(row.FieldTimestamp) && !corruption.HasKind(s.issues, corruption.KindMalformedTimestamp, "") {
		return nil
	}

	tsKey := string(row.FieldTimestamp)
	if v, ok := s.data.Get(tsKey); !ok || !row.Present(v) {
		tsKey, _, _ = s.data.Find(row.FieldTimestamp)
	}

	var fragments, consumed []string
	take := func(key, text string) {
		fragments = append(fragments, text)
		consumed = append(consumed, key)
	}
	if v, ok := s.data.Get(tsKey); ok {
		if text, ok := row.Text(v); ok && row.Present(text) {
			take(tsKey, text)
		}
	}
	anchored := len(fragments) > 0
	for _, c := range s.data {
		if c.Key == tsKey || isMetadata(c.Key) {
			continue
		}
		text, ok := c.Value.(string)
		if !ok || !row.Present(text) {
			continue
		}
		f, known := row.FieldForKey(c.Key)
		switch {
		case known && f != row.FieldTimestamp:
			continue
		case known:
			if !timestamp.IsFragment(text) {
				continue
			}
		case timestamp.LooksLikeComponent(text):
		case !anchored && timestamp.IsFragment(text):
		default:
			continue
		}
		take(c.Key, text)
	}
	if len(fragments) == 0 {
		return nil
	}

	res := e.reconstructor.Reconstruct(fragments...)
	s.reconstruction = &res
	if !res.Success {
		s.note("timestamp reconstruction from %s failed", quoteAll(consumed))
		return nil
	}
	for _, key := range consumed {
		if key != string(row.FieldTimestamp) && key != row.DateAlias {
			s.data.Delete(key)
		}
	}
	s.data.Set(string(row.FieldTimestamp), res.Timestamp)
	s.data.Set(row.DateAlias, res.Timestamp)
	s.note("reconstructed timestamp %s from %s (%s, confidence %.2f)",
		res.Timestamp, quoteAll(consumed), res.Method, res.Confidence)
	return nil
}

func quoteAll(keys []string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = strconv.Quote(k)
	}
	return strings.Join(quoted, ", ")
}

const contextWindow = 2

var directionOpposites = map[string]string{
	"sent":     "received",
	"received": "sent",
	"outgoing": "incoming",
	"incoming": "outgoing",
	"outbound": "inbound",
	"inbound":  "outbound",
}

// recoverFromContext fills direction and sender from the original neighbour
// rows within the window. The direction guess assumes neighbours alternate
// send/receive, which is not true of every export.
func recoverFromContext(_ context.Context, s *state) error {
	if len(s.dataset) == 0 {
		return nil
	}
	indices := neighbourIndices(s.dataset, s.index)
	if len(indices) == 0 {
		return nil
	}

	if !s.data.Has(row.FieldMessageType) {
		for _, j := range indices {
			dir := strings.ToLower(s.dataset[j].FieldText(row.FieldMessageType))
			if opposite, ok := directionOpposites[dir]; ok {
				s.data.Set(string(row.FieldMessageType), opposite)
				s.note("inferred messageType=%s from row %d", opposite, j)
				break
			}
		}
	}

	if !s.data.Has(row.FieldSender) {
		neighbours := make([]row.Raw, len(indices))
		for i, j := range indices {
			neighbours[i] = s.dataset[j]
		}
		if sender := mostFrequentSender(neighbours); sender != "" {
			s.data.Set(string(row.FieldSender), sender)
			s.note("inferred sender=%q from %d neighbouring rows", sender, len(neighbours))
		}
	}
	return nil
}

// neighbourIndices returns the dataset positions in the window around index,
// nearest first, earlier before later.
func neighbourIndices(dataset []row.Raw, index int) []int {
	var out []int
	for d := 1; d <= contextWindow; d++ {
		for _, j := range []int{index - d, index + d} {
			if j >= 0 && j < len(dataset) && dataset[j] != nil {
				out = append(out, j)
			}
		}
	}
	return out
}

func mostFrequentSender(rows []row.Raw) string {
	counts := map[string]int{}
	var order []string
	for _, r := range rows {
		sender := r.FieldText(row.FieldSender)
		if sender == "" {
			continue
		}
		if counts[sender] == 0 {
			order = append(order, sender)
		}
		counts[sender]++
	}
	best := ""
	for _, sender := range order {
		if counts[sender] > counts[best] {
			best = sender
		}
	}
	return best
}

// layout assigns logical fields to the non-empty values of a row by position.
type layout []row.Field

var layouts = []layout{
	{row.FieldMessageType, row.FieldTimestamp, row.FieldSender, row.FieldContent},
	{row.FieldMessageType, row.FieldTimestamp, row.FieldSender, row.FieldRecipient, row.FieldContent},
	{row.FieldTimestamp, row.FieldSender, row.FieldContent},
}

var required = []row.Field{row.FieldMessageType, row.FieldTimestamp, row.FieldContent}

// recoverStructure is the last resort: when required fields are still
// missing, the exported values are matched by position against known column
// layouts. Only missing fields are filled.
func recoverStructure(_ context.Context, s *state) error {
	missing := false
	for _, f := range required {
		if !s.data.Has(f) {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	cells := s.original.NonEmpty()
	for _, l := range layouts {
		if len(l) != len(cells) {
			continue
		}
		for i, field := range l {
			if s.data.Has(field) {
				continue
			}
			c := cells[i]
			s.note("filled %s from column %q by position", field, c.Key)
			if v, ok := s.data.Get(c.Key); ok && reflect.DeepEqual(v, c.Value) {
				if _, known := row.FieldForKey(c.Key); !known {
					s.data.Rename(c.Key, string(field))
					continue
				}
			}
			s.data.Set(string(field), c.Value)
		}
		return nil
	}
	return nil
}

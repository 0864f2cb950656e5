package row

import "strings"

// Field is a logical message field, independent of how an export names it.
type Field string

const (
	FieldMessageType Field = "messageType"
	FieldTimestamp   Field = "timestamp"
	FieldSender      Field = "sender"
	FieldContent     Field = "content"
	FieldRecipient   Field = "recipient"
)

// DateAlias is written next to the canonical timestamp because exports use either name.
const DateAlias = "date"

// Fields lists the logical fields in detection order.
var Fields = []Field{FieldMessageType, FieldTimestamp, FieldSender, FieldContent, FieldRecipient}

// Synonyms maps each logical field to the normalised column names that mean it.
var Synonyms = map[Field][]string{
	FieldMessageType: {"messagetype", "type", "msgtype", "direction", "kind"},
	FieldTimestamp:   {"timestamp", "date", "time", "datetime", "sentat", "receivedat", "createdat", "sent", "received"},
	FieldSender:      {"sender", "from", "name/number", "namenumber", "name", "contact", "author", "fromnumber", "phone"},
	FieldContent:     {"content", "message", "body", "text", "messagetext", "msg"},
	FieldRecipient:   {"recipient", "to", "tonumber", "recipientnumber"},
}

var synonymIndex = func() map[string]Field {
	idx := make(map[string]Field)
	for field, names := range Synonyms {
		for _, name := range names {
			idx[name] = field
		}
	}
	return idx
}()

// NormalizeKey lowercases a column name and strips spaces, hyphens and underscores.
func NormalizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '_':
			return -1
		}
		return r
	}, strings.ToLower(key))
}

// FieldForKey resolves a column name to its logical field.
func FieldForKey(key string) (Field, bool) {
	f, ok := synonymIndex[NormalizeKey(key)]
	return f, ok
}

// Find returns the first column holding a present value for the logical field.
// When no column has a value, the first matching column is returned with
// found=false so callers can still see the key.
func (r Raw) Find(field Field) (key string, value any, found bool) {
	fallback := ""
	for _, c := range r {
		f, ok := FieldForKey(c.Key)
		if !ok || f != field {
			continue
		}
		if Present(c.Value) {
			return c.Key, c.Value, true
		}
		if fallback == "" {
			fallback = c.Key
		}
	}
	return fallback, nil, false
}

// Has reports whether the logical field is present with a value.
func (r Raw) Has(field Field) bool {
	_, _, ok := r.Find(field)
	return ok
}

// FieldText returns the logical field's value as a trimmed string.
func (r Raw) FieldText(field Field) string {
	_, v, ok := r.Find(field)
	if !ok {
		return ""
	}
	s, _ := Text(v)
	return strings.TrimSpace(s)
}

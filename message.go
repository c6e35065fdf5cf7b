package swagent

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/pkg/errors"
)

// Message is one outbound SmartREST line.
type Message struct {
	Topic      string
	TemplateID string
	Fields     []string
}

// NewMessage builds an upstream message.
func NewMessage(templateID string, fields ...string) Message {
	return Message{Topic: TopicUpstream, TemplateID: templateID, Fields: fields}
}

// Encode renders the message as a single CSV record without line terminator.
func (m Message) Encode() string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	record := append([]string{m.TemplateID}, m.Fields...)
	// csv.Writer only fails on the underlying writer; bytes.Buffer never does.
	_ = w.Write(record)
	w.Flush()
	return strings.TrimRight(buf.String(), "\r\n")
}

func (m Message) String() string {
	return m.Topic + " " + m.Encode()
}

// Inbound is a decoded downstream SmartREST payload.
type Inbound struct {
	Topic      string
	TemplateID string
	Values     []string
}

// ParseInbound splits a SmartREST payload. Commas inside double quotes do not
// separate tokens, a doubled quote is a literal quote, and line breaks stay
// inside their token so GroupTokens can find record boundaries.
func ParseInbound(topic string, payload []byte) (Inbound, error) {
	in := Inbound{Topic: topic}
	text := strings.TrimRight(string(payload), "\r\n")
	if strings.TrimSpace(text) == "" {
		return in, errors.Wrap(ErrParse, "empty smartrest payload")
	}
	tokens := splitSmartREST(text)
	in.TemplateID = strings.TrimSpace(tokens[0])
	in.Values = tokens[1:]
	return in, nil
}

func splitSmartREST(text string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '"' && inQuote && i+1 < len(runes) && runes[i+1] == '"':
			cur.WriteRune('"')
			i++
		case ch == '"':
			inQuote = !inQuote
		case ch == ',' && !inQuote:
			tokens = append(tokens, cur.String())
			cur.Reset()
		case ch == '\r':
		default:
			cur.WriteRune(ch)
		}
	}
	return append(tokens, cur.String())
}

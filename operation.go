package swagent

import (
	"strings"

	"github.com/pkg/errors"
)

// GroupTokens splits a token stream into groups. A token containing sep
// closes the current group: the text before sep is kept as its last token and
// whatever follows sep (the next record's template id) is discarded. A
// trailing empty group is dropped.
func GroupTokens(tokens []string, sep string) [][]string {
	groups := [][]string{{}}
	for _, tok := range tokens {
		idx := strings.Index(tok, sep)
		if sep == "" || idx < 0 {
			groups[len(groups)-1] = append(groups[len(groups)-1], tok)
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], tok[:idx])
		groups = append(groups, []string{})
	}
	if len(groups[len(groups)-1]) == 0 {
		groups = groups[:len(groups)-1]
	}
	return groups
}

// ChunkRecords cuts tokens into records of width fields. A short trailing
// record is returned separately instead of being padded.
func ChunkRecords(tokens []string, width int) (records [][]string, remainder []string) {
	if width <= 0 {
		return nil, tokens
	}
	for start := 0; start < len(tokens); start += width {
		end := start + width
		if end > len(tokens) {
			return records, tokens[start:]
		}
		records = append(records, tokens[start:end])
	}
	return records, nil
}

// RecordWidth returns the record width of an inbound software template.
func RecordWidth(templateID string) (int, bool) {
	switch templateID {
	case TemplateSoftwareList:
		return widthSoftwareList, true
	case TemplateSoftwareUpdateUntyped:
		return widthUntypedUpdate, true
	case TemplateSoftwareUpdateTyped:
		return widthTypedUpdate, true
	default:
		return 0, false
	}
}

// ParseOperation decodes the first operation of an inbound payload.
//
// A malformed payload never aborts: the returned Operation holds every
// complete record, and the error (wrapping ErrParse) describes what was
// dropped.
func ParseOperation(templateID string, values []string) (Operation, error) {
	op := Operation{TemplateID: templateID}
	width, ok := RecordWidth(templateID)
	if !ok {
		return op, errors.Wrapf(ErrParse, "unsupported template %s", templateID)
	}

	groups := GroupTokens(values, recordSeparator)
	if len(groups) == 0 {
		return op, errors.Wrap(ErrParse, "empty payload")
	}
	tokens := groups[0]
	op.DeviceID = strings.TrimSpace(tokens[0])
	tokens = tokens[1:]

	records, remainder := ChunkRecords(tokens, width)
	op.Items = make([]SoftwareItem, 0, len(records))
	for _, rec := range records {
		op.Items = append(op.Items, itemFromRecord(width, rec))
	}
	if len(remainder) > 0 {
		return op, errors.Wrapf(ErrParse, "dropped short record %q (want %d fields)", remainder, width)
	}
	return op, nil
}

func itemFromRecord(width int, rec []string) SoftwareItem {
	field := func(i int) string { return strings.TrimSpace(rec[i]) }
	switch width {
	case widthSoftwareList:
		return SoftwareItem{Name: field(0), Version: field(1), URL: field(2)}
	case widthUntypedUpdate:
		return SoftwareItem{Name: field(0), Version: field(1), URL: field(2), Action: ParseAction(rec[3])}
	default:
		return SoftwareItem{
			Name:         field(0),
			Version:      field(1),
			SoftwareType: field(2),
			URL:          field(3),
			Action:       ParseAction(rec[4]),
		}
	}
}

package salesforce

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/forcepull/forcepull/pkg/errors"
)

// SoqlQuery is one executable query with enough structure kept around for
// predicate injection and validation. Text always holds the current query
// string; Fields is empty when the field list could not be parsed.
type SoqlQuery struct {
	// Object is the queried object name
	Object string
	// Fields is the selected field list, when known
	Fields []string
	// Text is the query string sent to the API
	Text string
	// IncludeDeleted selects the queryAll endpoint
	IncludeDeleted bool
}

var bracketedRe = regexp.MustCompile(`\(.*?\)`)

// BuildFromObject constructs SELECT <fields> FROM <object> from describe
// metadata. An empty field list selects every queryable field in describe
// order. Requested fields that do not exist or are not queryable fail with a
// validation error naming the field.
func BuildFromObject(object string, requested []string, described []FieldDescriptor, includeDeleted bool) (*SoqlQuery, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "object name is empty")
	}

	queryable := make([]string, 0, len(described))
	byName := make(map[string]string, len(described))
	for _, f := range described {
		if !f.Queryable {
			continue
		}
		queryable = append(queryable, f.Name)
		byName[strings.ToLower(f.Name)] = f.Name
	}
	if len(queryable) == 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "object %q has no queryable fields", object)
	}

	fields := queryable
	if len(requested) > 0 {
		fields = make([]string, 0, len(requested))
		for _, name := range requested {
			canonical, ok := byName[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeValidation,
					"field %q does not exist on object %q or is not queryable", name, object)
			}
			fields = append(fields, canonical)
		}
	}

	return &SoqlQuery{
		Object:         object,
		Fields:         fields,
		Text:           fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), object),
		IncludeDeleted: includeDeleted,
	}, nil
}

// BuildFromString wraps a hand-written SOQL query. The object name is
// derived from the FROM clause and the field list is parsed on a best-effort
// basis for primary-key validation.
func BuildFromString(raw string, includeDeleted bool) (*SoqlQuery, error) {
	text := strings.TrimSpace(raw)
	lower := strings.ToLower(text)

	if !strings.HasPrefix(lower, "select ") {
		return nil, errors.New(errors.ErrorTypeValidation, "query must start with SELECT")
	}
	if !strings.Contains(lower, " from ") {
		return nil, errors.New(errors.ErrorTypeValidation, "query is missing a FROM clause")
	}

	object := objectFromQuery(text)
	if object == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "could not determine the queried object from the FROM clause")
	}

	return &SoqlQuery{
		Object:         object,
		Fields:         fieldsFromQuery(text),
		Text:           text,
		IncludeDeleted: includeDeleted,
	}, nil
}

// objectFromQuery finds the word after the top-level FROM keyword. Bracketed
// subqueries are stripped first so a nested FROM does not win.
func objectFromQuery(text string) string {
	flat := bracketedRe.ReplaceAllString(text, "")
	words := strings.Fields(flat)
	for i, w := range words {
		if strings.EqualFold(w, "from") && i+1 < len(words) {
			return strings.Trim(words[i+1], ",")
		}
	}
	return ""
}

// fieldsFromQuery parses the SELECT list. Queries whose list contains
// subqueries or functions return nil, meaning "unknown".
func fieldsFromQuery(text string) []string {
	lower := strings.ToLower(text)
	if !strings.HasPrefix(lower, "select ") {
		return nil
	}

	end := keywordIndex(text, " from ")
	if end < 0 {
		return nil
	}

	list := text[len("select "):end]
	if strings.Contains(list, "(") {
		return nil
	}

	parts := strings.Split(list, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields = append(fields, p)
	}
	return fields
}

// HasField reports whether the query selects the named field,
// case-insensitively. An unparsed field list reports false.
func (q *SoqlQuery) HasField(name string) bool {
	for _, f := range q.Fields {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// MissingFields returns the subset of names the query does not select.
// Used to check the primary key is part of the output.
func (q *SoqlQuery) MissingFields(names []string) []string {
	var missing []string
	for _, n := range names {
		if !q.HasField(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// ApplyIncremental injects an inclusive watermark predicate into the query.
// An existing WHERE clause is preserved and combined with AND. The watermark
// value is a Salesforce date/datetime literal and goes in unquoted.
func (q *SoqlQuery) ApplyIncremental(field, since string) error {
	if since == "" {
		return errors.New(errors.ErrorTypeValidation, "incremental watermark value is empty")
	}
	if len(q.Fields) > 0 && !q.HasField(field) {
		return errors.Newf(errors.ErrorTypeValidation,
			"incremental field %q is not selected by the query", field)
	}

	predicate := fmt.Sprintf("%s >= %s", field, since)

	// Trailing ORDER BY / LIMIT / OFFSET clauses must stay after the
	// injected predicate
	text := q.Text
	tail := ""
	if tailIdx := clauseTail(text); tailIdx >= 0 {
		tail = text[tailIdx:]
		text = text[:tailIdx]
	}

	idx := whereIndex(text)
	if idx < 0 {
		text = fmt.Sprintf("%s WHERE %s", text, predicate)
	} else {
		after := text[idx+len(" where "):]
		text = fmt.Sprintf("%s WHERE %s AND (%s)", text[:idx], predicate, after)
	}

	q.Text = text + tail
	return nil
}

// WithLimit returns the query text with a LIMIT clause appended, used for
// connection test queries. A query that already carries a LIMIT is returned
// unchanged.
func (q *SoqlQuery) WithLimit(n int) string {
	if keywordIndex(q.Text, " limit ") >= 0 {
		return q.Text
	}
	return fmt.Sprintf("%s LIMIT %d", q.Text, n)
}

// whereIndex locates the top-level WHERE keyword. Returns -1 when absent.
func whereIndex(text string) int {
	return keywordIndex(text, " where ")
}

// clauseTail finds where the query's trailing ORDER BY / LIMIT / OFFSET
// clauses begin, or -1 when there are none.
func clauseTail(text string) int {
	idx := -1
	for _, kw := range []string{" order by ", " limit ", " offset "} {
		if i := keywordIndex(text, kw); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	return idx
}

// keywordIndex locates a keyword case-insensitively at bracket depth zero,
// so keywords inside subqueries do not match.
func keywordIndex(text, keyword string) int {
	lower := strings.ToLower(text)
	depth := 0
	for i := 0; i+len(keyword) <= len(lower); i++ {
		switch lower[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(lower[i:], keyword) {
			return i
		}
	}
	return -1
}

package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/forcepull/forcepull/pkg/errors"
	"github.com/forcepull/forcepull/pkg/logger"
	"github.com/forcepull/forcepull/pkg/retry"
)

// unsupportedFieldTypes are compound and binary field types that cannot be
// represented in a flat CSV row. They are filtered out of the queryable set.
var unsupportedFieldTypes = map[string]bool{
	"address":  true,
	"location": true,
	"base64":   true,
}

// unsupportedObjects are objects the query API refuses or that produce
// results unusable for tabular extraction. They are hidden from object
// listings.
var unsupportedObjects = map[string]bool{
	"AcceptedEventRelation":          true,
	"AssetTokenEvent":                true,
	"AttachedContentNote":            true,
	"CaseStatus":                     true,
	"ContractStatus":                 true,
	"DeclinedEventRelation":          true,
	"EventWhoRelation":               true,
	"FieldSecurityClassification":    true,
	"KnowledgeArticle":               true,
	"KnowledgeArticleVersion":        true,
	"KnowledgeArticleVersionHistory": true,
	"KnowledgeArticleViewStat":       true,
	"KnowledgeArticleVoteStat":       true,
	"OrderStatus":                    true,
	"PartnerRole":                    true,
	"QuoteTemplateRichTextData":      true,
	"RecentlyViewed":                 true,
	"ServiceAppointmentStatus":       true,
	"SolutionStatus":                 true,
	"TaskPriority":                   true,
	"TaskStatus":                     true,
	"TaskWhoRelation":                true,
	"UndecidedEventRelation":         true,
	"UserRecordAccess":               true,
}

// FieldDescriptor is one field from an object describe, reduced to what the
// pipeline needs: the name, the remote type for column mapping, and whether
// the field survives the queryable filter.
type FieldDescriptor struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Queryable bool   `json:"queryable"`
}

// ObjectSummary is one entry from the global describe listing.
type ObjectSummary struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Describer resolves object metadata via the describe endpoints. Results are
// cached per instance so repeated lookups within a run cost one API call.
type Describer struct {
	session *Session
	policy  *retry.Policy

	mu    sync.Mutex
	cache map[string][]FieldDescriptor
}

// NewDescriber creates a Describer bound to an authenticated session.
func NewDescriber(session *Session, policy *retry.Policy) *Describer {
	return &Describer{
		session: session,
		policy:  policy,
		cache:   make(map[string][]FieldDescriptor),
	}
}

type describeResponse struct {
	Name   string `json:"name"`
	Fields []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"fields"`
}

type globalDescribeResponse struct {
	Sobjects []struct {
		Name      string `json:"name"`
		Label     string `json:"label"`
		Queryable bool   `json:"queryable"`
	} `json:"sobjects"`
}

// Describe returns the field descriptors of an object in describe order.
// Compound and binary fields are marked not queryable. An unknown object
// yields a not_found error.
func (d *Describer) Describe(ctx context.Context, object string) ([]FieldDescriptor, error) {
	d.mu.Lock()
	if cached, ok := d.cache[object]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	var parsed describeResponse
	path := d.session.RestPath(fmt.Sprintf("/sobjects/%s/describe", object))

	err := d.policy.ExecuteWithCondition(ctx, func() error {
		return d.getJSON(ctx, path, object, &parsed)
	}, errors.IsRetryable)
	if err != nil {
		return nil, err
	}

	fields := make([]FieldDescriptor, 0, len(parsed.Fields))
	for _, f := range parsed.Fields {
		fields = append(fields, FieldDescriptor{
			Name:      f.Name,
			Type:      strings.ToLower(f.Type),
			Queryable: !unsupportedFieldTypes[strings.ToLower(f.Type)],
		})
	}

	d.mu.Lock()
	d.cache[object] = fields
	d.mu.Unlock()

	logger.WithContext(ctx).Debug("described object",
		zap.String("object", object),
		zap.Int("fields", len(fields)))

	return fields, nil
}

// QueryableFields returns the names of all queryable fields of an object in
// describe order.
func (d *Describer) QueryableFields(ctx context.Context, object string) ([]string, error) {
	fields, err := d.Describe(ctx, object)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Queryable {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

// Field looks up a single field descriptor by name, case-insensitively.
func (d *Describer) Field(ctx context.Context, object, name string) (*FieldDescriptor, error) {
	fields, err := d.Describe(ctx, object)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		if strings.EqualFold(fields[i].Name, name) {
			return &fields[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeValidation,
		"field %q does not exist on object %q", name, object)
}

// IsValidIncrementalField reports whether a field exists and carries a
// date or datetime type usable as a watermark.
func (d *Describer) IsValidIncrementalField(ctx context.Context, object, name string) (bool, error) {
	f, err := d.Field(ctx, object, name)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeValidation) {
			return false, nil
		}
		return false, err
	}
	switch f.Type {
	case "date", "datetime":
		return true, nil
	}
	return false, nil
}

// ListQueryableObjects returns the org's queryable objects, sorted by name,
// with unsupported objects filtered out.
func (d *Describer) ListQueryableObjects(ctx context.Context) ([]ObjectSummary, error) {
	var parsed globalDescribeResponse
	path := d.session.RestPath("/sobjects")

	err := d.policy.ExecuteWithCondition(ctx, func() error {
		return d.getJSON(ctx, path, "", &parsed)
	}, errors.IsRetryable)
	if err != nil {
		return nil, err
	}

	objects := make([]ObjectSummary, 0, len(parsed.Sobjects))
	for _, o := range parsed.Sobjects {
		if !o.Queryable || unsupportedObjects[o.Name] {
			continue
		}
		objects = append(objects, ObjectSummary{Name: o.Name, Label: o.Label})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })

	return objects, nil
}

// getJSON performs one authenticated GET and decodes the JSON body.
// Error classification matches the fetcher so both share the retry policy.
func (d *Describer) getJSON(ctx context.Context, rawURL, object string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create describe request")
	}

	resp, err := d.session.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "describe request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Newf(errors.ErrorTypeNotFound, "object %q does not exist or is not accessible", object)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp, "describe")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode describe response")
	}
	return nil
}

// Package query builds OData requests from immutable, fluent query values.
package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zmcp/odata-client/internal/edm"
	"github.com/zmcp/odata-client/internal/expr"
	"github.com/zmcp/odata-client/internal/metadata"
	"github.com/zmcp/odata-client/internal/models"
)

type expandItem struct {
	path   string
	nested *Builder
}

// Builder accumulates query intent. Every method returns a new Builder and
// leaves the receiver unchanged, so a partially built query can be reused as
// a template.
type Builder struct {
	resolver   *metadata.Resolver
	translator *expr.Translator

	entitySet string
	key       []KeyPart
	filter    expr.Expr
	selects   []string
	expands   []expandItem
	orders    []Order
	skip      *int
	top       *int
	count     bool
	params    []Param
	ifMatch   string
}

// New returns an empty builder. A nil resolver disables schema checks.
func New(resolver *metadata.Resolver) Builder {
	return Builder{resolver: resolver}
}

// clone copies the slices so appends never alias the receiver's storage
func (b Builder) clone() Builder {
	b.key = append([]KeyPart(nil), b.key...)
	b.selects = append([]string(nil), b.selects...)
	b.expands = append([]expandItem(nil), b.expands...)
	b.orders = append([]Order(nil), b.orders...)
	b.params = append([]Param(nil), b.params...)
	return b
}

// WithRegistry translates filters with a custom operator/function table
func (b Builder) WithRegistry(registry *expr.Registry) Builder {
	b = b.clone()
	b.translator = expr.NewTranslator(registry)
	return b
}

func (b Builder) ForEntitySet(name string) Builder {
	b = b.clone()
	b.entitySet = name
	return b
}

// Filter replaces the filter. A nil expression removes it.
func (b Builder) Filter(e expr.Expr) Builder {
	b = b.clone()
	b.filter = e
	return b
}

// Where and-combines e with the current filter
func (b Builder) Where(e expr.Expr) Builder {
	b = b.clone()
	b.filter = expr.And(b.filter, e)
	return b
}

func (b Builder) Select(paths ...string) Builder {
	b = b.clone()
	b.selects = append(b.selects, paths...)
	return b
}

func (b Builder) Expand(paths ...string) Builder {
	b = b.clone()
	for _, p := range paths {
		b.expands = append(b.expands, expandItem{path: p})
	}
	return b
}

// ExpandWith expands a navigation property with a nested query. The nested
// builder must not name an entity set or key.
func (b Builder) ExpandWith(path string, nested Builder) Builder {
	b = b.clone()
	n := nested.clone()
	b.expands = append(b.expands, expandItem{path: path, nested: &n})
	return b
}

func (b Builder) OrderBy(path string) Builder {
	return b.order(path, Asc)
}

func (b Builder) OrderByDesc(path string) Builder {
	return b.order(path, Desc)
}

func (b Builder) order(path string, dir Direction) Builder {
	b = b.clone()
	b.orders = append(b.orders, Order{Path: path, Direction: dir})
	return b
}

func (b Builder) Skip(n int) Builder {
	b = b.clone()
	b.skip = &n
	return b
}

func (b Builder) Top(n int) Builder {
	b = b.clone()
	b.top = &n
	return b
}

// WithKey addresses a single entity by a single-valued key
func (b Builder) WithKey(value interface{}) Builder {
	b = b.clone()
	b.key = []KeyPart{{Value: value}}
	return b
}

// WithCompositeKey addresses a single entity by named key values
func (b Builder) WithCompositeKey(values map[string]interface{}) Builder {
	b = b.clone()
	b.key = b.key[:0]
	for name, v := range values {
		b.key = append(b.key, KeyPart{Name: name, Value: v})
	}
	sort.Slice(b.key, func(i, j int) bool { return b.key[i].Name < b.key[j].Name })
	return b
}

// Count requests $count=true
func (b Builder) Count() Builder {
	b = b.clone()
	b.count = true
	return b
}

// Param adds a custom query parameter, rendered after the system options
func (b Builder) Param(name, value string) Builder {
	b = b.clone()
	b.params = append(b.params, Param{Name: name, Value: value})
	return b
}

// IfMatch sets the If-Match header for optimistic concurrency
func (b Builder) IfMatch(etag string) Builder {
	b = b.clone()
	b.ifMatch = etag
	return b
}

// Build validates the accumulated intent and returns the first violated
// invariant as a *models.ValidationError. Filter translation failures are
// returned as *models.UnsupportedExpressionError.
func (b Builder) Build() (QuerySpec, error) {
	if b.entitySet == "" {
		return QuerySpec{}, invalid("entitySet", "entity set is required")
	}

	var entityType *models.EntityType
	if b.resolver != nil {
		set, err := b.resolver.ResolveEntitySet(b.entitySet)
		if err != nil {
			return QuerySpec{}, &models.ValidationError{Field: "entitySet", Reason: err.Error(), Err: err}
		}
		entityType = set.Type
	}

	if len(b.key) > 0 {
		if b.filter != nil {
			return QuerySpec{}, invalid("key", "key and filter are mutually exclusive")
		}
		if len(b.orders) > 0 || b.skip != nil || b.top != nil || b.count {
			return QuerySpec{}, invalid("key", "a keyed request cannot carry $orderby, $skip, $top or $count")
		}
	}

	spec, err := b.buildOptions(entityType)
	if err != nil {
		return QuerySpec{}, err
	}
	spec.EntitySet = b.entitySet
	spec.Params = b.params
	spec.IfMatch = b.ifMatch

	if len(b.key) > 0 {
		parts, text, err := b.buildKey(entityType)
		if err != nil {
			return QuerySpec{}, err
		}
		spec.Key = parts
		spec.keyText = text
	}
	return spec, nil
}

// buildOptions validates and renders the options shared by top level and
// nested queries
func (b Builder) buildOptions(entityType *models.EntityType) (QuerySpec, error) {
	var spec QuerySpec
	if entityType != nil {
		spec.EntityType = entityType.QualifiedName()
	}

	if b.skip != nil && *b.skip < 0 {
		return QuerySpec{}, invalid("$skip", fmt.Sprintf("must not be negative, got %d", *b.skip))
	}
	if b.top != nil && *b.top < 0 {
		return QuerySpec{}, invalid("$top", fmt.Sprintf("must not be negative, got %d", *b.top))
	}
	spec.Skip, spec.Top, spec.Count = b.skip, b.top, b.count

	for _, p := range b.selects {
		path, _, err := b.resolvePath(entityType, "$select", p)
		if err != nil {
			return QuerySpec{}, err
		}
		spec.Select = append(spec.Select, path)
	}

	for _, o := range b.orders {
		path, desc, err := b.resolvePath(entityType, "$orderby", o.Path)
		if err != nil {
			return QuerySpec{}, err
		}
		if desc != nil && (desc.Collection || desc.IsNavigation()) {
			return QuerySpec{}, invalid("$orderby", fmt.Sprintf("%q is not a single-valued property", o.Path))
		}
		spec.OrderBy = append(spec.OrderBy, Order{Path: path, Direction: o.Direction})
	}

	for _, e := range b.expands {
		exp, err := b.buildExpansion(entityType, e)
		if err != nil {
			return QuerySpec{}, err
		}
		spec.Expand = append(spec.Expand, exp)
	}

	if b.filter != nil {
		translate := expr.Translate
		if b.translator != nil {
			translate = b.translator.Translate
		}
		text, err := translate(b.filter)
		if err != nil {
			return QuerySpec{}, err
		}
		spec.Filter = b.filter
		spec.filterText = text
	}
	return spec, nil
}

func (b Builder) buildExpansion(entityType *models.EntityType, e expandItem) (Expansion, error) {
	path, desc, err := b.resolvePath(entityType, "$expand", e.path)
	if err != nil {
		return Expansion{}, err
	}
	if desc != nil && !desc.IsNavigation() {
		return Expansion{}, invalid("$expand", fmt.Sprintf("%q is not a navigation property", e.path))
	}
	exp := Expansion{Path: path}
	if e.nested == nil {
		return exp, nil
	}

	nested := *e.nested
	if nested.entitySet != "" || len(nested.key) > 0 {
		return Expansion{}, invalid("$expand", fmt.Sprintf("nested query of %q cannot name an entity set or key", e.path))
	}
	if len(nested.params) > 0 || nested.ifMatch != "" {
		return Expansion{}, invalid("$expand", fmt.Sprintf("nested query of %q cannot carry custom parameters or If-Match", e.path))
	}
	nested.resolver = b.resolver
	if nested.translator == nil {
		nested.translator = b.translator
	}
	var target *models.EntityType
	if desc != nil {
		target = desc.Target
	}
	sub, err := nested.buildOptions(target)
	if err != nil {
		return Expansion{}, err
	}
	exp.Nested = &sub
	return exp, nil
}

// resolvePath checks a property path against the schema and returns it in
// "/" form. Without a resolver the path is only normalized.
func (b Builder) resolvePath(entityType *models.EntityType, field, path string) (string, *metadata.PropertyDescriptor, error) {
	segments := metadata.SplitPath(path)
	if len(segments) == 0 {
		return "", nil, invalid(field, "empty property path")
	}
	if b.resolver == nil || entityType == nil {
		return strings.Join(segments, "/"), nil, nil
	}
	desc, err := b.resolver.ResolveProperty(entityType.Name, path)
	if err != nil {
		return "", nil, &models.ValidationError{Field: field, Reason: err.Error(), Err: err}
	}
	return desc.Path, desc, nil
}

// buildKey checks key values against the schema key and renders the predicate
func (b Builder) buildKey(entityType *models.EntityType) ([]KeyPart, string, error) {
	if b.resolver == nil || entityType == nil {
		return b.renderKey(b.key, nil)
	}

	keyProps, err := b.resolver.KeyProperties(entityType.Name)
	if err != nil {
		return nil, "", &models.ValidationError{Field: "key", Reason: err.Error(), Err: err}
	}
	if len(keyProps) == 0 {
		return nil, "", invalid("key", fmt.Sprintf("entity type %s declares no key", entityType.Name))
	}

	// Single unnamed value
	if len(b.key) == 1 && b.key[0].Name == "" {
		if len(keyProps) != 1 {
			return nil, "", invalid("key", fmt.Sprintf("entity type %s has a composite key of %d properties", entityType.Name, len(keyProps)))
		}
		return b.renderKey(b.key, keyProps)
	}

	byName := make(map[string]interface{}, len(b.key))
	for _, k := range b.key {
		byName[k.Name] = k.Value
	}
	if len(byName) != len(keyProps) {
		return nil, "", invalid("key", fmt.Sprintf("entity type %s has %d key properties, got %d", entityType.Name, len(keyProps), len(byName)))
	}
	ordered := make([]KeyPart, len(keyProps))
	for i, p := range keyProps {
		v, ok := byName[p.Name]
		if !ok {
			return nil, "", invalid("key", fmt.Sprintf("missing key property %q", p.Name))
		}
		ordered[i] = KeyPart{Name: p.Name, Value: v}
	}
	return b.renderKey(ordered, keyProps)
}

// renderKey renders key parts; keyProps, when known, supplies the Edm types
func (b Builder) renderKey(parts []KeyPart, keyProps []*models.EntityProperty) ([]KeyPart, string, error) {
	rendered := make([]string, len(parts))
	for i, part := range parts {
		edmType := ""
		if keyProps != nil {
			edmType = keyProps[i].Type
			if !edm.Accepts(edmType, part.Value) {
				return nil, "", invalid("key", fmt.Sprintf("value %v (%T) does not match key type %s of %q", part.Value, part.Value, edmType, keyProps[i].Name))
			}
		}
		if part.Value == nil {
			return nil, "", invalid("key", "key values must not be null")
		}
		text, err := expr.Render(keyLiteral(edmType, part.Value))
		if err != nil {
			return nil, "", &models.ValidationError{Field: "key", Reason: err.Error(), Err: err}
		}
		text = EscapeKeyValue(text)
		if part.Name != "" && len(parts) > 1 {
			text = part.Name + "=" + text
		}
		rendered[i] = text
	}
	if keyProps != nil && len(parts) == 1 {
		parts = []KeyPart{{Name: keyProps[0].Name, Value: parts[0].Value}}
	}
	return parts, strings.Join(rendered, ","), nil
}

// keyLiteral picks the literal form of a key value for its schema type
func keyLiteral(edmType string, v interface{}) expr.Literal {
	switch edmType {
	case edm.Guid:
		if s, ok := v.(string); ok {
			if u, err := uuid.Parse(s); err == nil {
				return expr.Guid(u)
			}
		}
	case edm.Date:
		if t, ok := v.(time.Time); ok {
			return expr.Date(t)
		}
	}
	if s, ok := v.(string); ok && strings.Contains(edmType, ".") && !strings.HasPrefix(edmType, "Edm.") {
		return expr.Enum(edmType, s)
	}
	return expr.Lit(v)
}

func invalid(field, reason string) error {
	return &models.ValidationError{Field: field, Reason: reason}
}

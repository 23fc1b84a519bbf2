package metadata

import (
	"strings"

	"github.com/zmcp/odata-client/internal/edm"
	"github.com/zmcp/odata-client/internal/models"
)

// EntitySetDescriptor is a resolved entity set together with its entity type
type EntitySetDescriptor struct {
	Set  *models.EntitySet
	Type *models.EntityType
}

// PropertyDescriptor is a resolved property path. Exactly one of Property and
// Navigation is set for the last segment.
type PropertyDescriptor struct {
	Path          string
	DeclaringType *models.EntityType
	Property      *models.EntityProperty
	Navigation    *models.NavigationProperty
	Target        *models.EntityType
	Collection    bool
}

// IsNavigation reports whether the path ends in a navigation property
func (p *PropertyDescriptor) IsNavigation() bool {
	return p.Navigation != nil
}

type typeIndex struct {
	entityType *models.EntityType
	props      map[string]*models.EntityProperty
	navs       map[string]*models.NavigationProperty
	keys       []*models.EntityProperty
}

// Resolver answers schema lookups by name. It is built once from an
// already-parsed schema and is read-only afterwards, so one Resolver can be
// shared by any number of sessions and goroutines.
type Resolver struct {
	meta  *models.ODataMetadata
	types map[string]*typeIndex
}

// NewResolver indexes the schema for lookups
func NewResolver(meta *models.ODataMetadata) *Resolver {
	r := &Resolver{
		meta:  meta,
		types: make(map[string]*typeIndex, len(meta.EntityTypes)),
	}
	for name, et := range meta.EntityTypes {
		r.types[name] = &typeIndex{entityType: et}
	}
	for _, idx := range r.types {
		r.fill(idx)
	}
	return r
}

// fill flattens the base type chain into the index
func (r *Resolver) fill(idx *typeIndex) {
	idx.props = make(map[string]*models.EntityProperty)
	idx.navs = make(map[string]*models.NavigationProperty)

	var chain []*models.EntityType
	seen := make(map[string]bool)
	for et := idx.entityType; et != nil && !seen[et.Name]; {
		seen[et.Name] = true
		chain = append(chain, et)
		if et.BaseType == "" {
			break
		}
		base, ok := r.meta.EntityTypes[unqualified(et.BaseType)]
		if !ok {
			break
		}
		et = base
	}

	// Walk from the root so derived declarations win
	var keyNames []string
	for i := len(chain) - 1; i >= 0; i-- {
		et := chain[i]
		for _, p := range et.Properties {
			idx.props[p.Name] = p
		}
		for _, n := range et.NavigationProps {
			idx.navs[n.Name] = n
		}
		if len(et.KeyProperties) > 0 {
			keyNames = et.KeyProperties
		}
	}
	for _, name := range keyNames {
		if p, ok := idx.props[name]; ok {
			idx.keys = append(idx.keys, p)
		}
	}
}

// Metadata returns the underlying schema
func (r *Resolver) Metadata() *models.ODataMetadata {
	return r.meta
}

// ResolveEntitySet looks up an entity set by exact name
func (r *Resolver) ResolveEntitySet(name string) (*EntitySetDescriptor, error) {
	set, ok := r.meta.EntitySets[name]
	if !ok {
		return nil, &models.NotFoundError{Kind: "entity set", Name: name}
	}
	et, err := r.EntityType(set.EntityType)
	if err != nil {
		return nil, err
	}
	return &EntitySetDescriptor{Set: set, Type: et}, nil
}

// EntityType looks up an entity type by qualified or unqualified name
func (r *Resolver) EntityType(name string) (*models.EntityType, error) {
	idx, ok := r.types[unqualified(name)]
	if !ok {
		return nil, &models.NotFoundError{Kind: "entity type", Name: name}
	}
	return idx.entityType, nil
}

// KeyProperties returns the key properties of an entity type in declaration
// order, including keys inherited from base types
func (r *Resolver) KeyProperties(entityType string) ([]*models.EntityProperty, error) {
	idx, ok := r.types[unqualified(entityType)]
	if !ok {
		return nil, &models.NotFoundError{Kind: "entity type", Name: entityType}
	}
	return idx.keys, nil
}

// Property returns a structural property declared on (or inherited by) a type
func (r *Resolver) Property(entityType, name string) (*models.EntityProperty, bool) {
	idx, ok := r.types[unqualified(entityType)]
	if !ok {
		return nil, false
	}
	p, ok := idx.props[name]
	return p, ok
}

// Navigation returns a navigation property declared on (or inherited by) a type
func (r *Resolver) Navigation(entityType, name string) (*models.NavigationProperty, bool) {
	idx, ok := r.types[unqualified(entityType)]
	if !ok {
		return nil, false
	}
	n, ok := idx.navs[name]
	return n, ok
}

// ResolveProperty resolves a property path against an entity type. Segments
// are separated by "." or "/" and may traverse navigation properties. A path
// that continues past a complex-typed property is accepted as-is since
// complex type members are not part of the indexed schema.
func (r *Resolver) ResolveProperty(entityType, path string) (*PropertyDescriptor, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, &models.NotFoundError{Kind: "property", Name: path, In: entityType}
	}

	idx, ok := r.types[unqualified(entityType)]
	if !ok {
		return nil, &models.NotFoundError{Kind: "entity type", Name: entityType}
	}

	desc := &PropertyDescriptor{Path: strings.Join(segments, "/")}
	for i, seg := range segments {
		last := i == len(segments)-1
		desc.DeclaringType = idx.entityType

		if p, ok := idx.props[seg]; ok {
			desc.Property = p
			desc.Navigation = nil
			desc.Target = nil
			if last || !edm.IsPrimitive(edm.ElementType(p.Type)) {
				return desc, nil
			}
			return nil, &models.NotFoundError{Kind: "property", Name: segments[i+1], In: p.Type}
		}

		n, ok := idx.navs[seg]
		if !ok {
			return nil, &models.NotFoundError{Kind: "property", Name: seg, In: idx.entityType.Name}
		}
		target, ok := r.types[unqualified(n.TargetType())]
		if !ok {
			return nil, &models.NotFoundError{Kind: "entity type", Name: n.TargetType()}
		}
		desc.Property = nil
		desc.Navigation = n
		desc.Target = target.entityType
		desc.Collection = desc.Collection || n.IsCollection()
		idx = target
	}
	return desc, nil
}

// SplitPath splits a property path on "." and "/"
func SplitPath(path string) []string {
	fields := strings.FieldsFunc(path, func(r rune) bool { return r == '.' || r == '/' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// unqualified strips the namespace from a qualified type name
func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/edm"
	"github.com/zmcp/odata-client/internal/expr"
	"github.com/zmcp/odata-client/internal/models"
)

// ToRequestDescriptor builds the query and materializes it in one step
func (b Builder) ToRequestDescriptor(endpoint Endpoint, method string, body []byte) (models.RequestDescriptor, error) {
	spec, err := b.Build()
	if err != nil {
		return models.RequestDescriptor{}, err
	}
	return spec.ToRequestDescriptor(endpoint, method, body)
}

// Create returns a POST of entity to the entity set
func (b Builder) Create(endpoint Endpoint, entity models.Entity) (models.RequestDescriptor, error) {
	return b.mutate(endpoint, constants.POST, entity)
}

// Update returns a PATCH of the given properties to the keyed entity
func (b Builder) Update(endpoint Endpoint, entity models.Entity) (models.RequestDescriptor, error) {
	return b.mutate(endpoint, constants.PATCH, entity)
}

// Replace returns a PUT of the full entity to the keyed entity
func (b Builder) Replace(endpoint Endpoint, entity models.Entity) (models.RequestDescriptor, error) {
	return b.mutate(endpoint, constants.PUT, entity)
}

// Delete returns a DELETE of the keyed entity
func (b Builder) Delete(endpoint Endpoint) (models.RequestDescriptor, error) {
	spec, err := b.Build()
	if err != nil {
		return models.RequestDescriptor{}, err
	}
	if !spec.HasKey() {
		return models.RequestDescriptor{}, invalid("key", "DELETE requires a key")
	}
	return spec.ToRequestDescriptor(endpoint, constants.DELETE, nil)
}

func (b Builder) mutate(endpoint Endpoint, method string, entity models.Entity) (models.RequestDescriptor, error) {
	spec, err := b.Build()
	if err != nil {
		return models.RequestDescriptor{}, err
	}
	if entity == nil {
		return models.RequestDescriptor{}, invalid("body", method+" requires an entity body")
	}
	body, err := b.encodeEntity(spec.EntityType, entity)
	if err != nil {
		return models.RequestDescriptor{}, err
	}
	return spec.ToRequestDescriptor(endpoint, method, body)
}

// encodeEntity serializes a mutation payload. With a schema, property names
// must exist on the entity type unless the type is open; instance
// annotations such as Director@odata.bind pass through.
func (b Builder) encodeEntity(entityType string, entity models.Entity) ([]byte, error) {
	out := make(map[string]interface{}, len(entity))
	var open bool
	if b.resolver != nil && entityType != "" {
		if et, err := b.resolver.EntityType(entityType); err == nil {
			open = et.OpenType
		}
	}

	for name, v := range entity {
		if strings.Contains(name, "@") || b.resolver == nil || entityType == "" {
			out[name] = jsonValue("", v)
			continue
		}
		if p, ok := b.resolver.Property(entityType, name); ok {
			out[name] = jsonValue(p.Type, v)
			continue
		}
		if _, ok := b.resolver.Navigation(entityType, name); ok || open {
			out[name] = jsonValue("", v)
			continue
		}
		return nil, invalid(name, fmt.Sprintf("not a property of %s", entityType))
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &models.ValidationError{Field: "body", Reason: err.Error(), Err: err}
	}
	return body, nil
}

// jsonValue converts Go values to their OData JSON form
func jsonValue(edmType string, v interface{}) interface{} {
	switch x := v.(type) {
	case decimal.Decimal:
		return json.Number(x.String())
	case time.Time:
		if edmType == edm.Date {
			return x.Format("2006-01-02")
		}
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return expr.FormatDuration(x)
	case models.Entity:
		return nestedJSON(x)
	case map[string]interface{}:
		return nestedJSON(x)
	case []interface{}:
		items := make([]interface{}, len(x))
		for i, item := range x {
			items[i] = jsonValue(edm.ElementType(edmType), item)
		}
		return items
	}
	return v
}

func nestedJSON(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = jsonValue("", v)
	}
	return out
}

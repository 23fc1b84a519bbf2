// Package decode turns OData JSON response bodies into typed pages.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/edm"
	"github.com/zmcp/odata-client/internal/metadata"
	"github.com/zmcp/odata-client/internal/models"
)

// Annotations names the JSON members that carry protocol metadata. The
// names differ between protocol minor versions, so they are configurable.
type Annotations struct {
	Context   string
	Count     string
	NextLink  string
	DeltaLink string
	ETag      string
	Type      string
}

// V4Annotations are the OData 4.0 names, e.g. @odata.nextLink
func V4Annotations() Annotations {
	return Annotations{
		Context:   constants.ODataContext,
		Count:     constants.ODataCount,
		NextLink:  constants.ODataNextLink,
		DeltaLink: constants.ODataDeltaLink,
		ETag:      constants.ODataETag,
		Type:      constants.ODataType,
	}
}

// V401Annotations are the OData 4.01 short names, e.g. @nextLink
func V401Annotations() Annotations {
	return Annotations{
		Context:   constants.Context401,
		Count:     constants.Count401,
		NextLink:  constants.NextLink401,
		DeltaLink: constants.DeltaLink401,
		ETag:      constants.ETag401,
		Type:      "@type",
	}
}

// Decoder decodes response bodies, typing values per schema when a resolver
// is available. It holds no mutable state.
type Decoder struct {
	resolver    *metadata.Resolver
	annotations Annotations
}

// New creates a decoder. A nil resolver decodes untyped; zero annotations
// mean V4Annotations.
func New(resolver *metadata.Resolver, annotations Annotations) *Decoder {
	if annotations == (Annotations{}) {
		annotations = V4Annotations()
	}
	return &Decoder{resolver: resolver, annotations: annotations}
}

// Annotations returns the configured annotation names
func (d *Decoder) Annotations() Annotations {
	return d.annotations
}

// DecodePage decodes one response. Non-2xx statuses go through DecodeError.
func (d *Decoder) DecodePage(desc models.RequestDescriptor, status int, header http.Header, body []byte) (*models.ResponsePage, error) {
	if status >= 400 || (status > 0 && status < 200) {
		return nil, d.DecodeError(status, body)
	}

	page := &models.ResponsePage{
		StatusCode: status,
		Single:     desc.Single,
		ETag:       header.Get(constants.ETag),
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return page, nil
	}

	raw, err := parseObject(body)
	if err != nil {
		return nil, &models.DecodeError{StatusCode: status, Reason: "malformed JSON body", Err: err}
	}
	if errData, ok := raw["error"]; ok && !desc.Single {
		if pe := protocolError(status, errData); pe != nil {
			return nil, pe
		}
	}

	entityType := d.entityType(desc)
	requireKey := !desc.Projected

	if desc.Single {
		entity, err := d.decodeEntity(entityType, raw, requireKey, "")
		if err != nil {
			return nil, withStatus(err, status)
		}
		page.Entities = []models.Entity{entity}
		page.Context, _ = raw[d.annotations.Context].(string)
		if page.ETag == "" {
			page.ETag = entity.ETag()
		}
		return page, nil
	}

	values, ok := raw[constants.ValueProperty]
	if !ok {
		return nil, &models.DecodeError{StatusCode: status, Property: constants.ValueProperty, Reason: "collection response has no value array"}
	}
	items, ok := values.([]interface{})
	if !ok {
		return nil, &models.DecodeError{StatusCode: status, Property: constants.ValueProperty, Reason: fmt.Sprintf("expected array, got %T", values)}
	}

	page.Entities = make([]models.Entity, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, &models.DecodeError{StatusCode: status, Property: fmt.Sprintf("value[%d]", i), Reason: fmt.Sprintf("expected object, got %T", item)}
		}
		entity, err := d.decodeEntity(entityType, obj, requireKey, fmt.Sprintf("value[%d]/", i))
		if err != nil {
			return nil, withStatus(err, status)
		}
		page.Entities = append(page.Entities, entity)
	}

	if err := d.decodeEnvelope(page, raw); err != nil {
		return nil, withStatus(err, status)
	}
	return page, nil
}

// decodeEnvelope extracts paging annotations and keeps the remaining members
func (d *Decoder) decodeEnvelope(page *models.ResponsePage, raw map[string]interface{}) error {
	for k, v := range raw {
		switch k {
		case constants.ValueProperty:
		case d.annotations.NextLink:
			s, ok := v.(string)
			if !ok {
				return &models.DecodeError{Property: k, Reason: fmt.Sprintf("expected string, got %T", v)}
			}
			page.NextLink = s
		case d.annotations.DeltaLink:
			page.DeltaLink, _ = v.(string)
		case d.annotations.Context:
			page.Context, _ = v.(string)
		case d.annotations.Count:
			n, err := parseCount(v)
			if err != nil {
				return &models.DecodeError{Property: k, Reason: "invalid count", Err: err}
			}
			page.Count = &n
		default:
			if page.Annotations == nil {
				page.Annotations = make(map[string]interface{})
			}
			page.Annotations[k] = edm.Untyped(v)
		}
	}
	return nil
}

func (d *Decoder) entityType(desc models.RequestDescriptor) string {
	if d.resolver == nil {
		return ""
	}
	if desc.EntityType != "" {
		return desc.EntityType
	}
	if desc.EntitySet != "" {
		if set, err := d.resolver.ResolveEntitySet(desc.EntitySet); err == nil {
			return set.Type.QualifiedName()
		}
	}
	return ""
}

// decodeEntity types the members of one entity object. prefix locates the
// entity in error messages.
func (d *Decoder) decodeEntity(entityType string, obj map[string]interface{}, requireKey bool, prefix string) (models.Entity, error) {
	entity := make(models.Entity, len(obj))
	if d.resolver == nil || entityType == "" {
		for k, v := range obj {
			entity[k] = edm.Untyped(v)
		}
		return entity, nil
	}

	// A derived type announced by the payload wins over the declared one
	if t, ok := obj[d.annotations.Type].(string); ok {
		if _, err := d.resolver.EntityType(strings.TrimPrefix(t, "#")); err == nil {
			entityType = strings.TrimPrefix(t, "#")
		}
	}
	if _, err := d.resolver.EntityType(entityType); err != nil {
		for k, v := range obj {
			entity[k] = edm.Untyped(v)
		}
		return entity, nil
	}

	for k, v := range obj {
		if strings.Contains(k, "@") {
			entity[k] = edm.Untyped(v)
			continue
		}
		if p, ok := d.resolver.Property(entityType, k); ok {
			typed, err := edm.Coerce(v, p.Type)
			if err != nil {
				return nil, &models.DecodeError{Property: prefix + k, Reason: "cannot decode as " + p.Type, Err: err}
			}
			entity[k] = typed
			continue
		}
		if n, ok := d.resolver.Navigation(entityType, k); ok {
			nested, err := d.decodeNavigation(n, v, prefix+k)
			if err != nil {
				return nil, err
			}
			entity[k] = nested
			continue
		}
		entity[k] = edm.Untyped(v)
	}

	if requireKey {
		keys, _ := d.resolver.KeyProperties(entityType)
		for _, key := range keys {
			if entity[key.Name] == nil {
				return nil, &models.DecodeError{Property: prefix + key.Name, Reason: "required key property is missing"}
			}
		}
	}
	return entity, nil
}

// decodeNavigation decodes an expanded navigation value. Expanded entities
// may be projected by a nested $select, so their keys are not required.
func (d *Decoder) decodeNavigation(n *models.NavigationProperty, v interface{}, path string) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	target := n.TargetType()
	switch x := v.(type) {
	case map[string]interface{}:
		if n.IsCollection() {
			return nil, &models.DecodeError{Property: path, Reason: "expected array for collection navigation property"}
		}
		return d.decodeEntity(target, x, false, path+"/")
	case []interface{}:
		if !n.IsCollection() {
			return nil, &models.DecodeError{Property: path, Reason: "expected object for single navigation property"}
		}
		out := make([]models.Entity, len(x))
		for i, item := range x {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, &models.DecodeError{Property: fmt.Sprintf("%s[%d]", path, i), Reason: fmt.Sprintf("expected object, got %T", item)}
			}
			e, err := d.decodeEntity(target, obj, false, fmt.Sprintf("%s[%d]/", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	}
	return nil, &models.DecodeError{Property: path, Reason: fmt.Sprintf("unexpected %T for navigation property", v)}
}

// DecodeError converts an error response into a *models.ProtocolError when
// the body is a structured OData error envelope and a *models.DecodeError
// otherwise
func (d *Decoder) DecodeError(status int, body []byte) error {
	raw, err := parseObject(body)
	if err == nil {
		if errData, ok := raw["error"]; ok {
			if pe := protocolError(status, errData); pe != nil {
				return pe
			}
		}
	}
	return &models.DecodeError{
		StatusCode: status,
		Reason:     "unstructured error response: " + snippet(body),
	}
}

// protocolError reads the error object of an envelope. The message may be a
// plain string or a {lang, value} object.
func protocolError(status int, errData interface{}) *models.ProtocolError {
	obj, ok := errData.(map[string]interface{})
	if !ok {
		return nil
	}
	pe := &models.ProtocolError{StatusCode: status}
	pe.Code = stringOf(obj["code"])
	pe.Target = stringOf(obj["target"])
	switch m := obj["message"].(type) {
	case string:
		pe.Message = m
	case map[string]interface{}:
		pe.Message = stringOf(m["value"])
	}
	if pe.Code == "" && pe.Message == "" {
		return nil
	}
	if details, ok := obj["details"].([]interface{}); ok {
		for _, item := range details {
			if dm, ok := item.(map[string]interface{}); ok {
				pe.Details = append(pe.Details, models.ODataErrorDetail{
					Code:    stringOf(dm["code"]),
					Message: stringOf(dm["message"]),
					Target:  stringOf(dm["target"]),
				})
			}
		}
	}
	if inner, ok := obj["innererror"].(map[string]interface{}); ok {
		pe.InnerError, _ = edm.Untyped(inner).(map[string]interface{})
	}
	return pe
}

func parseObject(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", raw)
	}
	return obj, nil
}

func parseCount(v interface{}) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}

func withStatus(err error, status int) error {
	if de, ok := err.(*models.DecodeError); ok && de.StatusCode == 0 {
		de.StatusCode = status
	}
	return err
}

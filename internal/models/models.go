package models

import (
	"net/http"
	"strings"
	"time"
)

// EntityProperty represents a structural property of an OData entity type
type EntityProperty struct {
	Name      string `json:"name"`
	Type      string `json:"type"` // OData type (e.g., "Edm.String")
	Nullable  bool   `json:"nullable"`
	IsKey     bool   `json:"is_key"`
	MaxLength string `json:"max_length,omitempty"`
	Precision string `json:"precision,omitempty"`
	Scale     string `json:"scale,omitempty"`
}

// EntityType represents an OData entity type definition
type EntityType struct {
	Name            string                `json:"name"`
	Namespace       string                `json:"namespace,omitempty"`
	BaseType        string                `json:"base_type,omitempty"`
	OpenType        bool                  `json:"open_type,omitempty"`
	Properties      []*EntityProperty     `json:"properties"`
	KeyProperties   []string              `json:"key_properties"`
	NavigationProps []*NavigationProperty `json:"navigation_properties,omitempty"`
}

// QualifiedName returns Namespace.Name, or Name when no namespace is known
func (t *EntityType) QualifiedName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// NavigationProperty represents a navigation property in an entity type
type NavigationProperty struct {
	Name           string `json:"name"`
	Type           string `json:"type"` // e.g. "NS.Order" or "Collection(NS.Order)"
	Partner        string `json:"partner,omitempty"`
	Nullable       bool   `json:"nullable"`
	ContainsTarget bool   `json:"contains_target,omitempty"`
}

// IsCollection reports whether the navigation property targets a collection
func (n *NavigationProperty) IsCollection() bool {
	return strings.HasPrefix(n.Type, "Collection(")
}

// TargetType returns the target entity type name without the Collection() wrapper
func (n *NavigationProperty) TargetType() string {
	t := n.Type
	if n.IsCollection() {
		t = strings.TrimSuffix(strings.TrimPrefix(t, "Collection("), ")")
	}
	return t
}

// EntitySet represents an OData entity set
type EntitySet struct {
	Name       string            `json:"name"`
	EntityType string            `json:"entity_type"`
	Bindings   map[string]string `json:"navigation_bindings,omitempty"` // navigation path -> target set
}

// ODataMetadata represents the complete, already-parsed service schema
type ODataMetadata struct {
	ServiceRoot     string                 `json:"service_root"`
	EntityTypes     map[string]*EntityType `json:"entity_types"`
	EntitySets      map[string]*EntitySet  `json:"entity_sets"`
	ComplexTypes    []string               `json:"complex_types,omitempty"`
	EnumTypes       []string               `json:"enum_types,omitempty"`
	SchemaNamespace string                 `json:"schema_namespace"`
	ContainerName   string                 `json:"container_name"`
	Version         string                 `json:"version"`
	ParsedAt        time.Time              `json:"parsed_at"`
}

// Entity is a decoded entity record. Values are typed per schema when a
// schema is available; expanded navigation properties hold Entity or
// []Entity values. Instance annotations keep their wire keys.
type Entity map[string]interface{}

// ETag returns the entity's @odata.etag annotation, if any
func (e Entity) ETag() string {
	for _, k := range []string{"@odata.etag", "@etag"} {
		if v, ok := e[k].(string); ok {
			return v
		}
	}
	return ""
}

// ResponsePage is one decoded response: an ordered sequence of entities plus
// paging annotations
type ResponsePage struct {
	Entities    []Entity               `json:"value"`
	NextLink    string                 `json:"next_link,omitempty"`
	DeltaLink   string                 `json:"delta_link,omitempty"`
	Count       *int64                 `json:"count,omitempty"`
	Context     string                 `json:"context,omitempty"`
	ETag        string                 `json:"etag,omitempty"`
	StatusCode  int                    `json:"status_code,omitempty"`
	Single      bool                   `json:"single,omitempty"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// HasMore reports whether the server announced another page
func (p *ResponsePage) HasMore() bool {
	return p != nil && p.NextLink != ""
}

// RequestDescriptor is the unit handed to the transport: verb, absolute URI,
// headers and optional body, plus hints the decoder uses to type the response.
// Descriptors are treated as immutable; use Clone to derive a new one.
type RequestDescriptor struct {
	Method     string      `json:"method"`
	URI        string      `json:"uri"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EntitySet  string      `json:"entity_set,omitempty"`
	EntityType string      `json:"entity_type,omitempty"`
	Single     bool        `json:"single,omitempty"`
	Projected  bool        `json:"projected,omitempty"`
}

// Clone returns a deep copy of the descriptor
func (d RequestDescriptor) Clone() RequestDescriptor {
	d.Header = d.Header.Clone()
	if d.Body != nil {
		body := make([]byte, len(d.Body))
		copy(body, d.Body)
		d.Body = body
	}
	return d
}

// ODataError represents the error object of an OData error envelope
type ODataError struct {
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Details    []ODataErrorDetail     `json:"details,omitempty"`
	InnerError map[string]interface{} `json:"innererror,omitempty"`
	Target     string                 `json:"target,omitempty"`
}

// ODataErrorDetail represents detailed error information
type ODataErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

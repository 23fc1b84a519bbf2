package query

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/expr"
	"github.com/zmcp/odata-client/internal/models"
)

// Direction of an $orderby item
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Order is one $orderby item
type Order struct {
	Path      string
	Direction Direction
}

// Expansion is one $expand item with an optional nested query
type Expansion struct {
	Path   string
	Nested *QuerySpec
}

// KeyPart is one name/value pair of an entity key. Name is empty for a
// single-valued key given without its property name.
type KeyPart struct {
	Name  string
	Value interface{}
}

// Param is a custom query parameter
type Param struct {
	Name  string
	Value string
}

// Endpoint is the session configuration a spec is materialized against
type Endpoint struct {
	ServiceRoot string
	Header      http.Header
}

// QuerySpec is a validated query. It is produced by Builder.Build and never
// modified afterwards.
type QuerySpec struct {
	EntitySet  string
	EntityType string
	Key        []KeyPart
	Filter     expr.Expr
	Select     []string
	Expand     []Expansion
	OrderBy    []Order
	Skip       *int
	Top        *int
	Count      bool
	Params     []Param
	IfMatch    string

	filterText string
	keyText    string
}

// HasKey reports whether the spec addresses a single entity by key
func (q QuerySpec) HasKey() bool {
	return len(q.Key) > 0
}

// ResourcePath is the entity set plus key predicate, e.g. Screenings(MovieID=1,Slot='A')
func (q QuerySpec) ResourcePath() string {
	if q.keyText == "" {
		return q.EntitySet
	}
	return q.EntitySet + "(" + q.keyText + ")"
}

type option struct {
	name  string
	value string
}

// options returns the system query options in their fixed order
func (q QuerySpec) options() []option {
	var opts []option
	if q.filterText != "" {
		opts = append(opts, option{constants.QueryFilter, q.filterText})
	}
	if len(q.Select) > 0 {
		opts = append(opts, option{constants.QuerySelect, strings.Join(q.Select, ",")})
	}
	if len(q.Expand) > 0 {
		items := make([]string, len(q.Expand))
		for i, e := range q.Expand {
			items[i] = e.render()
		}
		opts = append(opts, option{constants.QueryExpand, strings.Join(items, ",")})
	}
	if len(q.OrderBy) > 0 {
		items := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			items[i] = o.Path + " " + string(o.Direction)
		}
		opts = append(opts, option{constants.QueryOrderBy, strings.Join(items, ",")})
	}
	if q.Skip != nil {
		opts = append(opts, option{constants.QuerySkip, strconv.Itoa(*q.Skip)})
	}
	if q.Top != nil {
		opts = append(opts, option{constants.QueryTop, strconv.Itoa(*q.Top)})
	}
	if q.Count {
		opts = append(opts, option{constants.QueryCount, "true"})
	}
	return opts
}

func (e Expansion) render() string {
	if e.Nested == nil {
		return e.Path
	}
	opts := e.Nested.options()
	if len(opts) == 0 {
		return e.Path
	}
	parts := make([]string, len(opts))
	for i, o := range opts {
		parts[i] = o.name + "=" + o.value
	}
	return e.Path + "(" + strings.Join(parts, ";") + ")"
}

// QueryString returns the query options unencoded, e.g.
// $filter=year eq 2012&$orderby=title asc&$top=10
func (q QuerySpec) QueryString() string {
	return q.join(func(s string) string { return s })
}

// EncodedQuery returns the query options as they appear on the wire
func (q QuerySpec) EncodedQuery() string {
	return q.join(EscapeOption)
}

func (q QuerySpec) join(enc func(string) string) string {
	var parts []string
	for _, o := range q.options() {
		parts = append(parts, o.name+"="+enc(o.value))
	}
	for _, p := range q.Params {
		parts = append(parts, enc(p.Name)+"="+enc(p.Value))
	}
	return strings.Join(parts, "&")
}

// URI returns the absolute request URI under serviceRoot
func (q QuerySpec) URI(serviceRoot string) string {
	uri := JoinURL(serviceRoot, q.ResourcePath())
	if query := q.EncodedQuery(); query != "" {
		uri += "?" + query
	}
	return uri
}

// JoinURL joins a service root and a relative path with exactly one slash
func JoinURL(serviceRoot, path string) string {
	return strings.TrimRight(serviceRoot, "/") + "/" + strings.TrimLeft(path, "/")
}

// ToRequestDescriptor materializes the spec against an endpoint. An empty
// method means GET.
func (q QuerySpec) ToRequestDescriptor(endpoint Endpoint, method string, body []byte) (models.RequestDescriptor, error) {
	if method == "" {
		method = constants.GET
	}
	method = strings.ToUpper(method)
	switch method {
	case constants.GET, constants.DELETE:
		if body != nil {
			return models.RequestDescriptor{}, &models.ValidationError{Field: "body", Reason: method + " requests carry no body"}
		}
	case constants.POST:
		if q.HasKey() {
			return models.RequestDescriptor{}, &models.ValidationError{Field: "key", Reason: "POST targets the entity set, not a keyed entity"}
		}
	case constants.PUT, constants.PATCH:
		if !q.HasKey() {
			return models.RequestDescriptor{}, &models.ValidationError{Field: "key", Reason: method + " requires a key"}
		}
	default:
		return models.RequestDescriptor{}, &models.ValidationError{Field: "method", Reason: "unsupported method " + method}
	}
	if endpoint.ServiceRoot == "" {
		return models.RequestDescriptor{}, &models.ValidationError{Field: "serviceRoot", Reason: "service root is required"}
	}

	header := endpoint.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get(constants.Accept) == "" {
		header.Set(constants.Accept, constants.ContentTypeJSON)
	}
	header.Set(constants.ODataVersion, constants.ProtocolVersion)
	header.Set(constants.ODataMaxVersion, constants.ProtocolVersion)
	if body != nil {
		header.Set(constants.ContentType, constants.ContentTypeJSON)
	}
	if q.IfMatch != "" {
		header.Set(constants.IfMatch, q.IfMatch)
	}

	var payload []byte
	if body != nil {
		payload = make([]byte, len(body))
		copy(payload, body)
	}

	return models.RequestDescriptor{
		Method:     method,
		URI:        q.URI(endpoint.ServiceRoot),
		Header:     header,
		Body:       payload,
		EntitySet:  q.EntitySet,
		EntityType: q.EntityType,
		Single:     q.HasKey() || method == constants.POST,
		Projected:  len(q.Select) > 0,
	}, nil
}

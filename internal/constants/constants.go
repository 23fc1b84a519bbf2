package constants

// HTTP methods used by OData
const (
	GET    = "GET"
	POST   = "POST"
	PUT    = "PUT"
	PATCH  = "PATCH"
	DELETE = "DELETE"
)

// OData system query options, in the order they are rendered
const (
	QueryFilter  = "$filter"
	QuerySelect  = "$select"
	QueryExpand  = "$expand"
	QueryOrderBy = "$orderby"
	QuerySkip    = "$skip"
	QueryTop     = "$top"
	QueryCount   = "$count"
)

// QueryOptionOrder is the fixed order of system query options in a URI
var QueryOptionOrder = []string{
	QueryFilter, QuerySelect, QueryExpand, QueryOrderBy, QuerySkip, QueryTop, QueryCount,
}

// CSRF Token headers (SAP-specific)
const (
	CSRFTokenHeader = "X-CSRF-Token"
	CSRFTokenFetch  = "Fetch"
)

// HTTP headers
const (
	ContentType             = "Content-Type"
	ContentTransferEncoding = "Content-Transfer-Encoding"
	ContentID               = "Content-ID"
	Accept                  = "Accept"
	Authorization           = "Authorization"
	Cookie                  = "Cookie"
	UserAgent               = "User-Agent"
	IfMatch                 = "If-Match"
	IfNoneMatch             = "If-None-Match"
	ETag                    = "ETag"
	Prefer                  = "Prefer"
	ODataVersion            = "OData-Version"
	ODataMaxVersion         = "OData-MaxVersion"
)

// Content types
const (
	ContentTypeJSON      = "application/json"
	ContentTypeXML       = "application/xml"
	ContentTypeHTTP      = "application/http"
	ContentTypeMultipart = "multipart/mixed"
)

// Service endpoints relative to the service root
const (
	MetadataEndpoint = "$metadata"
	BatchEndpoint    = "$batch"
)

// Default values
const (
	DefaultUserAgent = "OData-Client/1.0 (Go)"
	DefaultTimeout   = 30 // seconds
	ProtocolVersion  = "4.0"
)

// IsModifying reports whether an HTTP method changes server state
func IsModifying(method string) bool {
	switch method {
	case POST, PUT, PATCH, DELETE:
		return true
	}
	return false
}

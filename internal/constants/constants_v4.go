package constants

// OData v4 XML namespaces
const (
	EdmNamespaceV4  = "http://docs.oasis-open.org/odata/ns/edm"
	EdmxNamespaceV4 = "http://docs.oasis-open.org/odata/ns/edmx"
)

// OData v4.0 annotations
const (
	ODataContext   = "@odata.context"
	ODataType      = "@odata.type"
	ODataID        = "@odata.id"
	ODataETag      = "@odata.etag"
	ODataCount     = "@odata.count"
	ODataNextLink  = "@odata.nextLink"
	ODataDeltaLink = "@odata.deltaLink"
)

// OData v4.01 annotations may omit the "odata." prefix
const (
	Context401   = "@context"
	ETag401      = "@etag"
	Count401     = "@count"
	NextLink401  = "@nextLink"
	DeltaLink401 = "@deltaLink"
)

// ValueProperty holds the entity array of a collection response
const ValueProperty = "value"

// IsODataV4Namespace checks if the namespace is OData v4
func IsODataV4Namespace(namespace string) bool {
	return namespace == EdmNamespaceV4 || namespace == EdmxNamespaceV4
}

package metadata

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/models"
)

// EDMX represents the root EDMX document
type EDMX struct {
	XMLName      xml.Name     `xml:"Edmx"`
	Version      string       `xml:"Version,attr"`
	DataServices DataServices `xml:"DataServices"`
}

// DataServices contains the schemas
type DataServices struct {
	XMLName xml.Name `xml:"DataServices"`
	Schemas []Schema `xml:"Schema"`
}

// Schema contains entity types, complex/enum types and entity containers
type Schema struct {
	XMLName          xml.Name          `xml:"Schema"`
	Namespace        string            `xml:"Namespace,attr"`
	Alias            string            `xml:"Alias,attr"`
	EntityTypes      []EntityType      `xml:"EntityType"`
	ComplexTypes     []NamedType       `xml:"ComplexType"`
	EnumTypes        []NamedType       `xml:"EnumType"`
	EntityContainers []EntityContainer `xml:"EntityContainer"`
}

// EntityType represents an entity type element
type EntityType struct {
	XMLName              xml.Name             `xml:"EntityType"`
	Name                 string               `xml:"Name,attr"`
	BaseType             string               `xml:"BaseType,attr"`
	OpenType             string               `xml:"OpenType,attr"`
	Key                  Key                  `xml:"Key"`
	Properties           []Property           `xml:"Property"`
	NavigationProperties []NavigationProperty `xml:"NavigationProperty"`
}

// NamedType captures the name of complex and enum types
type NamedType struct {
	Name string `xml:"Name,attr"`
}

// Key contains key properties
type Key struct {
	PropertyRefs []PropertyRef `xml:"PropertyRef"`
}

// PropertyRef references a key property
type PropertyRef struct {
	Name string `xml:"Name,attr"`
}

// Property represents a structural property
type Property struct {
	Name      string `xml:"Name,attr"`
	Type      string `xml:"Type,attr"`
	Nullable  string `xml:"Nullable,attr"`
	MaxLength string `xml:"MaxLength,attr"`
	Precision string `xml:"Precision,attr"`
	Scale     string `xml:"Scale,attr"`
}

// NavigationProperty represents a navigation property
type NavigationProperty struct {
	Name           string `xml:"Name,attr"`
	Type           string `xml:"Type,attr"`
	Nullable       string `xml:"Nullable,attr"`
	Partner        string `xml:"Partner,attr"`
	ContainsTarget string `xml:"ContainsTarget,attr"`
}

// EntityContainer contains entity sets
type EntityContainer struct {
	Name       string      `xml:"Name,attr"`
	EntitySets []EntitySet `xml:"EntitySet"`
}

// EntitySet represents an entity set and its navigation bindings
type EntitySet struct {
	Name       string                      `xml:"Name,attr"`
	EntityType string                      `xml:"EntityType,attr"`
	Bindings   []NavigationPropertyBinding `xml:"NavigationPropertyBinding"`
}

// NavigationPropertyBinding binds a navigation path to a target entity set
type NavigationPropertyBinding struct {
	Path   string `xml:"Path,attr"`
	Target string `xml:"Target,attr"`
}

// ParseMetadata parses an OData v4 $metadata document into the schema object
// consumed by Resolver
func ParseMetadata(data []byte, serviceRoot string) (*models.ODataMetadata, error) {
	var edmx EDMX
	if err := xml.Unmarshal(data, &edmx); err != nil {
		return nil, fmt.Errorf("failed to parse metadata XML: %w", err)
	}

	if edmx.Version != "4.0" && edmx.Version != "4.01" {
		return nil, fmt.Errorf("unsupported EDMX version %q", edmx.Version)
	}
	if !constants.IsODataV4Namespace(edmx.XMLName.Space) {
		return nil, fmt.Errorf("unexpected EDMX namespace %q", edmx.XMLName.Space)
	}
	if len(edmx.DataServices.Schemas) == 0 {
		return nil, fmt.Errorf("no schemas found in metadata")
	}

	meta := &models.ODataMetadata{
		ServiceRoot: serviceRoot,
		EntityTypes: make(map[string]*models.EntityType),
		EntitySets:  make(map[string]*models.EntitySet),
		Version:     edmx.Version,
		ParsedAt:    time.Now(),
	}

	// Aliases are resolved to namespaces so qualified names stay stable
	aliases := make(map[string]string)
	for _, schema := range edmx.DataServices.Schemas {
		if schema.Alias != "" {
			aliases[schema.Alias] = schema.Namespace
		}
	}

	for _, schema := range edmx.DataServices.Schemas {
		for _, et := range schema.EntityTypes {
			meta.EntityTypes[et.Name] = parseEntityType(et, schema.Namespace, aliases)
		}
		for _, ct := range schema.ComplexTypes {
			meta.ComplexTypes = append(meta.ComplexTypes, schema.Namespace+"."+ct.Name)
		}
		for _, en := range schema.EnumTypes {
			meta.EnumTypes = append(meta.EnumTypes, schema.Namespace+"."+en.Name)
		}
		if len(schema.EntityContainers) > 0 && meta.ContainerName == "" {
			container := schema.EntityContainers[0]
			meta.SchemaNamespace = schema.Namespace
			meta.ContainerName = container.Name
			for _, es := range container.EntitySets {
				meta.EntitySets[es.Name] = parseEntitySet(es)
			}
		}
	}

	if meta.ContainerName == "" {
		return nil, fmt.Errorf("no entity container found in metadata")
	}

	return meta, nil
}

// parseEntityType converts an XML entity type to the model
func parseEntityType(et EntityType, namespace string, aliases map[string]string) *models.EntityType {
	entityType := &models.EntityType{
		Name:            et.Name,
		Namespace:       namespace,
		BaseType:        resolveAlias(et.BaseType, aliases),
		OpenType:        et.OpenType == "true",
		Properties:      make([]*models.EntityProperty, 0, len(et.Properties)),
		KeyProperties:   make([]string, 0, len(et.Key.PropertyRefs)),
		NavigationProps: make([]*models.NavigationProperty, 0, len(et.NavigationProperties)),
	}

	for _, keyRef := range et.Key.PropertyRefs {
		entityType.KeyProperties = append(entityType.KeyProperties, keyRef.Name)
	}

	for _, prop := range et.Properties {
		entityType.Properties = append(entityType.Properties, &models.EntityProperty{
			Name:      prop.Name,
			Type:      resolveAlias(prop.Type, aliases),
			Nullable:  prop.Nullable != "false",
			IsKey:     slices.Contains(entityType.KeyProperties, prop.Name),
			MaxLength: prop.MaxLength,
			Precision: prop.Precision,
			Scale:     prop.Scale,
		})
	}

	for _, navProp := range et.NavigationProperties {
		entityType.NavigationProps = append(entityType.NavigationProps, &models.NavigationProperty{
			Name:           navProp.Name,
			Type:           resolveAlias(navProp.Type, aliases),
			Partner:        navProp.Partner,
			Nullable:       navProp.Nullable != "false",
			ContainsTarget: navProp.ContainsTarget == "true",
		})
	}

	return entityType
}

// parseEntitySet converts an XML entity set to the model
func parseEntitySet(es EntitySet) *models.EntitySet {
	set := &models.EntitySet{
		Name:       es.Name,
		EntityType: es.EntityType,
	}
	if len(es.Bindings) > 0 {
		set.Bindings = make(map[string]string, len(es.Bindings))
		for _, b := range es.Bindings {
			set.Bindings[b.Path] = b.Target
		}
	}
	return set
}

// resolveAlias rewrites Alias.Type (also inside Collection()) to Namespace.Type
func resolveAlias(typeName string, aliases map[string]string) string {
	if typeName == "" || len(aliases) == 0 {
		return typeName
	}
	if strings.HasPrefix(typeName, "Collection(") && strings.HasSuffix(typeName, ")") {
		inner := typeName[len("Collection(") : len(typeName)-1]
		return "Collection(" + resolveAlias(inner, aliases) + ")"
	}
	idx := strings.LastIndex(typeName, ".")
	if idx < 0 {
		return typeName
	}
	if ns, ok := aliases[typeName[:idx]]; ok {
		return ns + typeName[idx:]
	}
	return typeName
}

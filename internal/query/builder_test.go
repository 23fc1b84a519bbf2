package query

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmcp/odata-client/internal/expr"
	"github.com/zmcp/odata-client/internal/metadata"
	"github.com/zmcp/odata-client/internal/models"
)

const serviceRoot = "https://example.com/odata/"

var endpoint = Endpoint{ServiceRoot: serviceRoot}

func cinema(t *testing.T) *metadata.Resolver {
	t.Helper()
	data, err := os.ReadFile("../metadata/testdata/cinema.xml")
	require.NoError(t, err)
	meta, err := metadata.ParseMetadata(data, serviceRoot)
	require.NoError(t, err)
	return metadata.NewResolver(meta)
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	assert.Equal(t, field, ve.Field)
}

func TestMoviesScenario(t *testing.T) {
	spec, err := New(nil).
		ForEntitySet("Movies").
		Filter(expr.Prop("year").Eq(2012)).
		OrderBy("title").
		Top(10).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "$filter=year eq 2012&$orderby=title asc&$top=10", spec.QueryString())
	assert.Equal(t, "$filter=year%20eq%202012&$orderby=title%20asc&$top=10", spec.EncodedQuery())
}

func TestOptionOrderIsFixed(t *testing.T) {
	// Added in reverse order on purpose
	spec, err := New(nil).
		ForEntitySet("Movies").
		Param("sap-client", "100").
		Count().
		Top(5).
		Skip(10).
		OrderByDesc("Year").
		Expand("Director").
		Select("Title", "Year").
		Filter(expr.Prop("Year").Gt(2000)).
		Build()
	require.NoError(t, err)

	assert.Equal(t,
		"$filter=Year gt 2000&$select=Title,Year&$expand=Director&$orderby=Year desc&$skip=10&$top=5&$count=true&sap-client=100",
		spec.QueryString())
}

func TestEmptyFilterHasNoSegment(t *testing.T) {
	builders := map[string]Builder{
		"never set":   New(nil).ForEntitySet("Movies").Top(5),
		"set to nil":  New(nil).ForEntitySet("Movies").Filter(nil).Top(5),
		"where nil":   New(nil).ForEntitySet("Movies").Where(nil).Top(5),
		"removed":     New(nil).ForEntitySet("Movies").Filter(expr.Prop("Year").Eq(1)).Filter(nil),
		"and nothing": New(nil).ForEntitySet("Movies").Filter(expr.And()),
	}
	for name, b := range builders {
		t.Run(name, func(t *testing.T) {
			desc, err := b.ToRequestDescriptor(endpoint, "", nil)
			require.NoError(t, err)
			assert.NotContains(t, desc.URI, "$filter")
			assert.NotContains(t, desc.URI, "filter")
		})
	}
}

func TestKeyAndFilterAreExclusive(t *testing.T) {
	filters := []expr.Expr{
		expr.Prop("Year").Eq(2012),
		expr.Contains(expr.Prop("Title"), "Toy"),
		expr.And(expr.Prop("A").Eq(1), expr.Prop("B").Ne(nil)),
		expr.Negate(expr.Prop("Active")),
	}
	keys := []Builder{
		New(nil).ForEntitySet("Movies").WithKey(1),
		New(nil).ForEntitySet("Customers").WithKey("ALFKI"),
		New(nil).ForEntitySet("Screenings").WithCompositeKey(map[string]interface{}{"MovieID": 1, "Slot": "A"}),
		New(cinema(t)).ForEntitySet("Movies").WithKey(int32(7)),
	}
	for _, k := range keys {
		for _, f := range filters {
			_, err := k.Filter(f).Build()
			requireValidation(t, err, "key")

			_, err = k.Where(f).ToRequestDescriptor(endpoint, "GET", nil)
			requireValidation(t, err, "key")
		}
	}
}

func TestKeyRejectsCollectionOptions(t *testing.T) {
	base := New(nil).ForEntitySet("Movies").WithKey(1)
	for name, b := range map[string]Builder{
		"orderby": base.OrderBy("Title"),
		"skip":    base.Skip(1),
		"top":     base.Top(1),
		"count":   base.Count(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build()
			requireValidation(t, err, "key")
		})
	}

	// select and expand are fine on a single entity
	_, err := base.Select("Title").Expand("Director").Build()
	assert.NoError(t, err)
}

func TestBuildValidation(t *testing.T) {
	r := cinema(t)
	movies := New(r).ForEntitySet("Movies")

	tests := []struct {
		name    string
		builder Builder
		field   string
	}{
		{"missing entity set", New(r), "entitySet"},
		{"unknown entity set", New(r).ForEntitySet("Films"), "entitySet"},
		{"case sensitive set", New(r).ForEntitySet("movies"), "entitySet"},
		{"negative skip", movies.Skip(-1), "$skip"},
		{"negative top", movies.Top(-5), "$top"},
		{"unknown select", movies.Select("Title", "Plot"), "$select"},
		{"unknown orderby", movies.OrderBy("Popularity"), "$orderby"},
		{"orderby over collection", movies.OrderBy("Screenings/Price"), "$orderby"},
		{"orderby navigation", movies.OrderBy("Director"), "$orderby"},
		{"expand structural", movies.Expand("Title"), "$expand"},
		{"expand unknown", movies.Expand("Producer"), "$expand"},
		{"nested select on target", movies.ExpandWith("Director", New(nil).Select("Title")), "$select"},
		{"nested entity set", movies.ExpandWith("Director", New(nil).ForEntitySet("People")), "$expand"},
		{"key type mismatch", movies.WithKey("seven"), "key"},
		{"key overflow", movies.WithKey(int64(1) << 40), "key"},
		{"null key", movies.WithKey(nil), "key"},
		{"composite needs all parts", New(r).ForEntitySet("Screenings").WithCompositeKey(map[string]interface{}{"MovieID": 1}), "key"},
		{"composite wrong name", New(r).ForEntitySet("Screenings").WithCompositeKey(map[string]interface{}{"MovieID": 1, "Room": "A"}), "key"},
		{"single value on composite key", New(r).ForEntitySet("Screenings").WithKey(1), "key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			requireValidation(t, err, tt.field)
		})
	}
}

func TestBuildUnsupportedExpression(t *testing.T) {
	_, err := New(nil).
		ForEntitySet("Movies").
		Filter(expr.Eq(expr.Func("soundex", expr.Prop("Title")), expr.String("x"))).
		ToRequestDescriptor(endpoint, "GET", nil)

	var ue *models.UnsupportedExpressionError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "soundex", ue.Name)

	// the same call works once the function is registered
	reg := expr.DefaultRegistry()
	reg.Register("soundex", 1, 1, expr.CallOf("soundex"))
	spec, err := New(nil).
		WithRegistry(reg).
		ForEntitySet("Movies").
		Filter(expr.Eq(expr.Func("soundex", expr.Prop("Title")), expr.String("x"))).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "$filter=soundex(Title) eq 'x'", spec.QueryString())
}

func TestBuilderIsImmutable(t *testing.T) {
	base := New(nil).ForEntitySet("Movies").Select("Title").OrderBy("Year")

	a := base.Select("Year").Top(1)
	b := base.Select("Rating").Skip(2)

	specA, err := a.Build()
	require.NoError(t, err)
	specB, err := b.Build()
	require.NoError(t, err)
	specBase, err := base.Build()
	require.NoError(t, err)

	assert.Equal(t, "$select=Title,Year&$orderby=Year asc&$top=1", specA.QueryString())
	assert.Equal(t, "$select=Title,Rating&$orderby=Year asc&$skip=2", specB.QueryString())
	assert.Equal(t, "$select=Title&$orderby=Year asc", specBase.QueryString())

	// Building twice gives the same result
	again, err := base.Build()
	require.NoError(t, err)
	assert.Equal(t, specBase, again)
}

func TestKeyPredicates(t *testing.T) {
	r := cinema(t)

	tests := []struct {
		name     string
		builder  Builder
		expected string
	}{
		{"int key", New(r).ForEntitySet("Movies").WithKey(int32(42)), serviceRoot + "Movies(42)"},
		{"int key from int", New(r).ForEntitySet("Movies").WithKey(42), serviceRoot + "Movies(42)"},
		{"composite key in schema order", New(r).ForEntitySet("Screenings").
			WithCompositeKey(map[string]interface{}{"Slot": "Late show", "MovieID": 1}),
			serviceRoot + "Screenings(MovieID=1,Slot='Late%20show')"},
		{"named single key", New(r).ForEntitySet("People").WithCompositeKey(map[string]interface{}{"ID": 3}),
			serviceRoot + "People(3)"},
		{"string key without schema", New(nil).ForEntitySet("Customers").WithKey("O'Brien/1"),
			serviceRoot + "Customers('O''Brien%2F1')"},
		{"inherited key", New(r).ForEntitySet("Actors").WithKey(9).Select("Name", "Agent"),
			serviceRoot + "Actors(9)?$select=Name,Agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := tt.builder.ToRequestDescriptor(endpoint, "GET", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, desc.URI)
			assert.True(t, desc.Single)
		})
	}
}

func TestBinaryKey(t *testing.T) {
	r := metadata.NewResolver(&models.ODataMetadata{
		EntityTypes: map[string]*models.EntityType{
			"Blob": {
				Name:          "Blob",
				Namespace:     "Store",
				Properties:    []*models.EntityProperty{{Name: "Hash", Type: "Edm.Binary", IsKey: true}},
				KeyProperties: []string{"Hash"},
			},
		},
		EntitySets: map[string]*models.EntitySet{"Blobs": {Name: "Blobs", EntityType: "Store.Blob"}},
	})

	desc, err := New(r).ForEntitySet("Blobs").WithKey([]byte{0xfb, 0xff}).ToRequestDescriptor(endpoint, "GET", nil)
	require.NoError(t, err)
	assert.Equal(t, serviceRoot+"Blobs(binary'-_8')", desc.URI)

	_, err = New(r).ForEntitySet("Blobs").WithKey("-_8").Build()
	requireValidation(t, err, "key")
}

func TestNestedExpand(t *testing.T) {
	r := cinema(t)
	spec, err := New(r).
		ForEntitySet("Movies").
		ExpandWith("Cast", New(nil).
			Filter(expr.Prop("Name").Eq("Tom Hanks")).
			Select("Name").
			OrderBy("Name").
			Top(3)).
		ExpandWith("Screenings", New(nil).ExpandWith("Movie", New(nil).Select("Title"))).
		Expand("Director").
		Build()
	require.NoError(t, err)

	assert.Equal(t,
		"$expand=Cast($filter=Name eq 'Tom Hanks';$select=Name;$orderby=Name asc;$top=3),Screenings($expand=Movie($select=Title)),Director",
		spec.QueryString())
	require.Len(t, spec.Expand, 3)
	assert.Equal(t, "Cinema.Model.Person", spec.Expand[0].Nested.EntityType)
}

func TestNestedExpandRejectsRequestLevelOptions(t *testing.T) {
	nested := map[string]Builder{
		"param":      New(nil).Top(2).Param("x", "1"),
		"if-match":   New(nil).IfMatch(`W/"1"`),
		"entity set": New(nil).ForEntitySet("People"),
		"key":        New(nil).WithKey(1),
	}
	for name, sub := range nested {
		t.Run(name, func(t *testing.T) {
			_, err := New(nil).ForEntitySet("Movies").ExpandWith("Screenings", sub).Build()
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, "$expand", ve.Field)
		})
	}
}

func TestPathsAreNormalized(t *testing.T) {
	spec, err := New(cinema(t)).
		ForEntitySet("Movies").
		Select("Director.Name").
		OrderBy("Director.Born").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "$select=Director/Name&$orderby=Director/Born asc", spec.QueryString())
}

func TestRequestDescriptor(t *testing.T) {
	ep := Endpoint{ServiceRoot: "https://example.com/odata", Header: map[string][]string{"Authorization": {"Bearer abc"}}}

	desc, err := New(cinema(t)).
		ForEntitySet("Movies").
		Filter(expr.Prop("Title").Eq("Toy Story & more")).
		Select("Title").
		ToRequestDescriptor(ep, "get", nil)
	require.NoError(t, err)

	assert.Equal(t, "GET", desc.Method)
	assert.Equal(t, "https://example.com/odata/Movies?$filter=Title%20eq%20'Toy%20Story%20%26%20more'&$select=Title", desc.URI)
	assert.Equal(t, "Bearer abc", desc.Header.Get("Authorization"))
	assert.Equal(t, "application/json", desc.Header.Get("Accept"))
	assert.Equal(t, "4.0", desc.Header.Get("OData-Version"))
	assert.Equal(t, "Movies", desc.EntitySet)
	assert.Equal(t, "Cinema.Model.Movie", desc.EntityType)
	assert.True(t, desc.Projected)
	assert.False(t, desc.Single)
	assert.Nil(t, desc.Body)

	// The endpoint header map is not shared with the descriptor
	desc.Header.Set("X-Extra", "1")
	assert.Empty(t, ep.Header.Get("X-Extra"))

	_, err = New(nil).ForEntitySet("Movies").ToRequestDescriptor(ep, "GET", []byte("{}"))
	requireValidation(t, err, "body")

	_, err = New(nil).ForEntitySet("Movies").ToRequestDescriptor(Endpoint{}, "GET", nil)
	requireValidation(t, err, "serviceRoot")

	_, err = New(nil).ForEntitySet("Movies").ToRequestDescriptor(ep, "MERGE", nil)
	requireValidation(t, err, "method")
}

func TestEscapeOption(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"year eq 2012", "year%20eq%202012"},
		{"Name eq 'a&b=c+d#e%f?g'", "Name%20eq%20'a%26b%3Dc%2Bd%23e%25f%3Fg'"},
		{"Name eq 'Amélie'", "Name%20eq%20'Am%C3%A9lie'"},
		{"Director/Name,@p1,$it,cast(X,Edm.Int32),*", "Director/Name,@p1,$it,cast(X,Edm.Int32),*"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, EscapeOption(tt.in))
	}
	assert.Equal(t, "'a%2Fb'", EscapeKeyValue("'a/b'"))
}

func TestMutations(t *testing.T) {
	r := cinema(t)
	movies := New(r).ForEntitySet("Movies")

	desc, err := movies.Create(endpoint, models.Entity{
		"Title":               "Up",
		"Rating":              decimal.RequireFromString("8.3"),
		"Released":            time.Date(2009, 5, 29, 0, 0, 0, 0, time.UTC),
		"Director@odata.bind": "People(1)",
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", desc.Method)
	assert.Equal(t, serviceRoot+"Movies", desc.URI)
	assert.Equal(t, "application/json", desc.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"Title":"Up","Rating":8.3,"Released":"2009-05-29","Director@odata.bind":"People(1)"}`, string(desc.Body))

	desc, err = movies.WithKey(1).IfMatch(`W/"42"`).Update(endpoint, models.Entity{"Year": 2009})
	require.NoError(t, err)
	assert.Equal(t, "PATCH", desc.Method)
	assert.Equal(t, serviceRoot+"Movies(1)", desc.URI)
	assert.Equal(t, `W/"42"`, desc.Header.Get("If-Match"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(desc.Body, &body))
	assert.Equal(t, float64(2009), body["Year"])

	desc, err = movies.WithKey(1).Replace(endpoint, models.Entity{"ID": 1, "Title": "Up"})
	require.NoError(t, err)
	assert.Equal(t, "PUT", desc.Method)

	desc, err = movies.WithKey(1).Delete(endpoint)
	require.NoError(t, err)
	assert.Equal(t, "DELETE", desc.Method)
	assert.Nil(t, desc.Body)

	_, err = movies.Create(endpoint, models.Entity{"Plot": "balloons"})
	requireValidation(t, err, "Plot")

	_, err = movies.Update(endpoint, models.Entity{"Year": 2009})
	requireValidation(t, err, "key")

	_, err = movies.Delete(endpoint)
	requireValidation(t, err, "key")

	_, err = movies.WithKey(1).Create(endpoint, models.Entity{"Title": "Up"})
	requireValidation(t, err, "key")

	_, err = movies.WithKey(1).Update(endpoint, nil)
	requireValidation(t, err, "body")

	// without a schema any property name is accepted
	desc, err = New(nil).ForEntitySet("Things").Create(endpoint, models.Entity{"Anything": strings.Repeat("x", 3)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Anything":"xxx"}`, string(desc.Body))
}

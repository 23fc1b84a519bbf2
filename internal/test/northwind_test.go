package test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/zmcp/odata-client/internal/constants"
)

const northwindMetadata = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="4.0" xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx">
  <edmx:DataServices>
    <Schema Namespace="NorthwindModel" xmlns="http://docs.oasis-open.org/odata/ns/edm">
      <EntityType Name="Product">
        <Key>
          <PropertyRef Name="ProductID" />
        </Key>
        <Property Name="ProductID" Type="Edm.Int32" Nullable="false" />
        <Property Name="ProductName" Type="Edm.String" />
        <Property Name="UnitPrice" Type="Edm.Decimal" Precision="19" Scale="4" />
        <Property Name="Discontinued" Type="Edm.Boolean" Nullable="false" />
        <NavigationProperty Name="Category" Type="NorthwindModel.Category" Partner="Products" />
      </EntityType>
      <EntityType Name="Category">
        <Key>
          <PropertyRef Name="CategoryID" />
        </Key>
        <Property Name="CategoryID" Type="Edm.Int32" Nullable="false" />
        <Property Name="CategoryName" Type="Edm.String" />
        <NavigationProperty Name="Products" Type="Collection(NorthwindModel.Product)" Partner="Category" />
      </EntityType>
      <EntityContainer Name="NorthwindEntities">
        <EntitySet Name="Products" EntityType="NorthwindModel.Product">
          <NavigationPropertyBinding Path="Category" Target="Categories" />
        </EntitySet>
        <EntitySet Name="Categories" EntityType="NorthwindModel.Category">
          <NavigationPropertyBinding Path="Products" Target="Products" />
        </EntitySet>
      </EntityContainer>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

type product struct {
	ID           int
	Name         string
	Price        string
	Discontinued bool
	CategoryID   int
}

var categories = map[int]string{1: "Beverages", 2: "Condiments"}

var products = []product{
	{1, "Chai", "18.0000", false, 1},
	{2, "Chang", "19.0000", false, 1},
	{3, "Aniseed Syrup", "10.0000", false, 2},
	{4, "Chef Anton's Cajun Seasoning", "22.0000", false, 2},
	{5, "Chef Anton's Gumbo Mix", "21.3500", true, 2},
}

// northwind is a small in-memory OData v4 service: $metadata, paged
// Products reads, reads by key, creates and $batch. It counts requests per
// kind and optionally enforces SAP-style CSRF tokens on modifying requests.
type northwind struct {
	*httptest.Server

	pageSize int

	mu          sync.Mutex
	csrfToken   string // required on POST when set
	issuedToken string // handed out on fetch instead of csrfToken when set
	counts      map[string]int
	lastURIs    []string
	created     []map[string]interface{}
}

func newNorthwind(pageSize int) *northwind {
	n := &northwind{pageSize: pageSize, counts: make(map[string]int)}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	return n
}

// root is the service root, ending in a slash
func (n *northwind) root() string {
	return n.URL + "/northwind/"
}

func (n *northwind) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[kind]
}

func (n *northwind) uris() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.lastURIs...)
}

// setTokens sets the token POST requires and the one a fetch hands out
func (n *northwind) setTokens(required, issued string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.csrfToken, n.issuedToken = required, issued
}

func (n *northwind) tokens() (required, issued string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.issuedToken != "" {
		return n.csrfToken, n.issuedToken
	}
	return n.csrfToken, n.csrfToken
}

func (n *northwind) record(kind string, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[kind]++
	n.lastURIs = append(n.lastURIs, r.URL.RequestURI())
}

func (n *northwind) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/northwind/")
	required, issued := n.tokens()

	if r.Header.Get(constants.CSRFTokenHeader) == constants.CSRFTokenFetch {
		n.record("csrf", r)
		w.Header().Set(constants.CSRFTokenHeader, issued)
		http.SetCookie(w, &http.Cookie{Name: "SAP_SESSIONID_NW_100", Value: "session-1"})
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case path == "$metadata":
		n.record("metadata", r)
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, northwindMetadata)
	case path == "$batch":
		n.record("batch", r)
		n.serveBatch(w, r)
	default:
		n.record(r.Method, r)
		if r.Method == http.MethodPost && required != "" && r.Header.Get(constants.CSRFTokenHeader) != required {
			w.Header().Set(constants.CSRFTokenHeader, "Required")
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error": map[string]interface{}{"code": "403", "message": "CSRF token validation failed"},
			})
			return
		}
		status, body := n.handle(r.Method, path, r.URL.Query(), readAll(r.Body))
		writeJSON(w, status, body)
	}
}

// handle answers one non-batch request
func (n *northwind) handle(method, path string, query map[string][]string, body []byte) (int, interface{}) {
	switch {
	case method == http.MethodGet && path == "Products":
		return n.listProducts(query)
	case method == http.MethodGet && strings.HasPrefix(path, "Products("):
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(path, "Products("), ")"))
		if err != nil || id < 1 || id > len(products) {
			return http.StatusNotFound, odataError("404", "Product not found")
		}
		entity := productJSON(products[id-1], strings.Contains(strings.Join(query["$expand"], ","), "Category"))
		entity["@odata.context"] = "$metadata#Products/$entity"
		return http.StatusOK, entity
	case method == http.MethodPost && path == "Products":
		var entity map[string]interface{}
		if err := json.Unmarshal(body, &entity); err != nil {
			return http.StatusBadRequest, odataError("400", "malformed body")
		}
		n.mu.Lock()
		n.created = append(n.created, entity)
		n.mu.Unlock()
		return http.StatusCreated, entity
	}
	return http.StatusNotFound, odataError("404", "Resource not found for the segment '"+path+"'")
}

func (n *northwind) listProducts(query map[string][]string) (int, interface{}) {
	skip := 0
	if tok := first(query["$skiptoken"]); tok != "" {
		skip, _ = strconv.Atoi(tok)
	}
	matches := products
	if first(query["$filter"]) == "Discontinued eq false" {
		matches = nil
		for _, p := range products {
			if !p.Discontinued {
				matches = append(matches, p)
			}
		}
	}

	end := len(matches)
	if n.pageSize > 0 && skip+n.pageSize < end {
		end = skip + n.pageSize
	}
	value := make([]interface{}, 0, end-skip)
	for _, p := range matches[skip:end] {
		value = append(value, productJSON(p, false))
	}

	page := map[string]interface{}{
		"@odata.context": "$metadata#Products",
		"value":          value,
	}
	if first(query["$count"]) == "true" {
		page["@odata.count"] = len(matches)
	}
	if end < len(matches) {
		q := make([]string, 0, 2)
		if f := first(query["$filter"]); f != "" {
			q = append(q, "$filter="+strings.ReplaceAll(f, " ", "%20"))
		}
		q = append(q, "$skiptoken="+strconv.Itoa(end))
		page["@odata.nextLink"] = "Products?" + strings.Join(q, "&")
	}
	return http.StatusOK, page
}

// serveBatch answers a multipart $batch request part by part. Changesets are
// answered with a nested multipart response.
func (n *northwind) serveBatch(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		writeJSON(w, http.StatusBadRequest, odataError("400", "not a batch request"))
		return
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, odataError("400", err.Error()))
			return
		}

		_, partParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if cs := partParams["boundary"]; cs != "" {
			var nested bytes.Buffer
			nw := multipart.NewWriter(&nested)
			inner := multipart.NewReader(part, cs)
			for {
				p, err := inner.NextPart()
				if err != nil {
					break
				}
				n.writeBatchPart(nw, p, p.Header.Get("Content-ID"))
			}
			nw.Close()
			h := textproto.MIMEHeader{}
			h.Set("Content-Type", "multipart/mixed; boundary="+nw.Boundary())
			pw, _ := mw.CreatePart(h)
			pw.Write(nested.Bytes())
			continue
		}
		n.writeBatchPart(mw, part, "")
	}
	mw.Close()

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}

func (n *northwind) writeBatchPart(mw *multipart.Writer, part io.Reader, contentID string) {
	status, body := http.StatusBadRequest, interface{}(odataError("400", "malformed request part"))
	if method, target, payload, err := readBatchRequest(part); err == nil {
		if u, err := url.Parse(target); err == nil {
			path := strings.TrimPrefix(u.Path, "/northwind/")
			status, body = n.handle(method, path, u.Query(), payload)
		}
	}
	payload, _ := json.Marshal(body)

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")
	if contentID != "" {
		h.Set("Content-ID", contentID)
	}
	pw, _ := mw.CreatePart(h)
	fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(pw, "Content-Type: application/json\r\n")
	fmt.Fprintf(pw, "Content-Length: %d\r\n\r\n", len(payload))
	pw.Write(payload)
}

// readBatchRequest reads an application/http part. Request targets are
// relative to the service root, which http.ReadRequest does not accept.
func readBatchRequest(part io.Reader) (method, target string, body []byte, err error) {
	br := bufio.NewReader(part)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return "", "", nil, err
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", nil, fmt.Errorf("malformed request line %q", line)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return "", "", nil, err
	}
	body, err = io.ReadAll(br)
	return fields[0], fields[1], body, err
}

func productJSON(p product, withCategory bool) map[string]interface{} {
	price := json.Number(p.Price)
	entity := map[string]interface{}{
		"@odata.etag":  fmt.Sprintf("W/\"%d\"", p.ID),
		"ProductID":    p.ID,
		"ProductName":  p.Name,
		"UnitPrice":    price,
		"Discontinued": p.Discontinued,
	}
	if withCategory {
		entity["Category"] = map[string]interface{}{
			"CategoryID":   p.CategoryID,
			"CategoryName": categories[p.CategoryID],
		}
	}
	return entity
}

func odataError(code, message string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"code": code, "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json;odata.metadata=minimal")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func readAll(r io.Reader) []byte {
	if r == nil {
		return nil
	}
	data, _ := io.ReadAll(r)
	return data
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

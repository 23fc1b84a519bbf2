package batch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmcp/odata-client/internal/models"
)

const root = "https://example.com/odata/"

func fixedBoundaries(prefix string) string {
	return prefix + "_fixed"
}

func get(path string, single bool) models.RequestDescriptor {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Authorization", "Bearer secret")
	return models.RequestDescriptor{Method: "GET", URI: root + path, Header: h, Single: single}
}

func write(method, path, body string) models.RequestDescriptor {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cookie", "session=abc")
	return models.RequestDescriptor{Method: method, URI: root + path, Header: h, Body: []byte(body), Single: true}
}

func httpPart(status int, body string) string {
	return "Content-Type: application/http\r\nContent-Transfer-Encoding: binary\r\n\r\n" +
		fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\n\r\n", status, http.StatusText(status)) +
		body
}

func multipartBody(boundary string, parts ...string) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString("--" + boundary + "\r\n" + p + "\r\n")
	}
	sb.WriteString("--" + boundary + "--\r\n")
	return sb.String()
}

func TestEncode(t *testing.T) {
	c := NewComposer(root, nil, WithBoundaries(fixedBoundaries))
	b := New().
		Add(get("Movies(1)", true)).
		AddChangeset(write("POST", "Movies", `{"Title":"Up"}`), write("PATCH", "Movies(2)", `{"Year":2009}`))

	contentType, body, err := c.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed; boundary=batch_fixed", contentType)

	s := string(body)
	assert.True(t, strings.HasPrefix(s, "--batch_fixed\r\n"))
	assert.True(t, strings.HasSuffix(s, "--batch_fixed--\r\n"))
	assert.Contains(t, s, "Content-Transfer-Encoding: binary\r\n")
	assert.Contains(t, s, "GET Movies(1) HTTP/1.1\r\nAccept: application/json\r\n\r\n")
	assert.Contains(t, s, "Content-Type: multipart/mixed; boundary=changeset_fixed\r\n")
	assert.Contains(t, s, "Content-Id: 1\r\n")
	assert.Contains(t, s, "Content-Id: 2\r\n")
	assert.Contains(t, s, "POST Movies HTTP/1.1\r\nContent-Length: 14\r\nContent-Type: application/json\r\n\r\n{\"Title\":\"Up\"}")
	assert.Contains(t, s, "PATCH Movies(2) HTTP/1.1\r\n")
	assert.Contains(t, s, "--changeset_fixed--")
	assert.NotContains(t, s, "Authorization")
	assert.NotContains(t, s, "session=abc")

	// Encoding is deterministic for a fixed boundary generator
	_, again, err := c.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestEncodeKeepsForeignURIs(t *testing.T) {
	c := NewComposer(root, nil, WithBoundaries(fixedBoundaries))
	other := models.RequestDescriptor{Method: "GET", URI: "https://other.example.com/svc/People"}

	_, body, err := c.Encode(New().Add(other))
	require.NoError(t, err)
	assert.Contains(t, string(body), "GET https://other.example.com/svc/People HTTP/1.1\r\n")
}

func TestEncodeValidation(t *testing.T) {
	c := NewComposer(root, nil)

	tests := []struct {
		name  string
		batch Batch
		field string
	}{
		{"empty batch", New(), "batch"},
		{"empty changeset", New().Add(get("Movies", false)).AddChangeset(), "batch[1]"},
		{"read in changeset", New().AddChangeset(write("POST", "Movies", "{}"), get("Movies(1)", true)), "batch[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Encode(tt.batch)
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRequest(t *testing.T) {
	c := NewComposer(root, nil, WithBoundaries(fixedBoundaries))
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")

	desc, err := c.Request(New().Add(get("Movies", false)), header)
	require.NoError(t, err)
	assert.Equal(t, "POST", desc.Method)
	assert.Equal(t, "https://example.com/odata/$batch", desc.URI)
	assert.Equal(t, "multipart/mixed; boundary=batch_fixed", desc.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer secret", desc.Header.Get("Authorization"))
	assert.Equal(t, "4.0", desc.Header.Get("OData-Version"))
	assert.Empty(t, header.Get("Content-Type"), "caller header must not be modified")
}

func TestBatchIsImmutable(t *testing.T) {
	base := New().Add(get("Movies", false))
	a := base.Add(get("People", false))
	b := base.AddChangeset(write("DELETE", "Movies(1)", ""))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, root+"People", a.Requests()[1].URI)
	assert.Equal(t, root+"Movies(1)", b.Requests()[1].URI)
	assert.True(t, b.Items()[1].Changeset)
}

func TestDecode(t *testing.T) {
	c := NewComposer(root, nil)
	b := New().
		Add(get("Movies", false)).
		AddChangeset(write("POST", "Movies", `{"Title":"Up"}`), write("DELETE", "Movies(2)", "")).
		Add(get("Movies(9)", true))

	changeset := "Content-Type: multipart/mixed; boundary=cs_1\r\n\r\n" +
		multipartBody("cs_1", httpPart(201, `{"ID":3,"Title":"Up"}`), httpPart(204, ""))
	body := multipartBody("resp_1",
		httpPart(200, `{"value":[{"ID":1},{"ID":2}]}`),
		changeset,
		httpPart(404, `{"error":{"code":"NotFound","message":"no movie 9"}}`),
	)

	results, err := c.Decode(b, "multipart/mixed; boundary=resp_1", []byte(body))
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}

	assert.NoError(t, results[0].Err)
	assert.Equal(t, -1, results[0].Changeset)
	assert.Len(t, results[0].Page.Entities, 2)

	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Changeset)
	assert.Equal(t, 201, results[1].Status)
	assert.Equal(t, "Up", results[1].Page.Entities[0]["Title"])

	assert.NoError(t, results[2].Err)
	assert.Equal(t, 204, results[2].Status)

	var pe *models.ProtocolError
	require.True(t, errors.As(results[3].Err, &pe))
	assert.Equal(t, 404, pe.StatusCode)
	assert.Equal(t, "NotFound", pe.Code)
	assert.False(t, results[3].OK())
}

// A broken part must not affect its siblings, wherever it sits
func TestDecodeMalformedPartIsolated(t *testing.T) {
	c := NewComposer(root, nil)
	b := New().Add(get("Movies(1)", true), get("Movies(2)", true), get("Movies(3)", true))

	for k := 0; k < b.Len(); k++ {
		t.Run(fmt.Sprintf("part %d", k), func(t *testing.T) {
			parts := make([]string, b.Len())
			for i := range parts {
				parts[i] = httpPart(200, fmt.Sprintf(`{"ID":%d}`, i+1))
			}
			parts[k] = "Content-Type: application/http\r\n\r\nthis is not an http response"

			results, err := c.Decode(b, "multipart/mixed; boundary=r", []byte(multipartBody("r", parts...)))
			require.NoError(t, err)
			require.Len(t, results, b.Len())

			for i, r := range results {
				if i == k {
					var de *models.DecodeError
					assert.True(t, errors.As(r.Err, &de), "slot %d: %v", i, r.Err)
					continue
				}
				require.NoError(t, r.Err, "slot %d", i)
				assert.Equal(t, int64(i+1), r.Page.Entities[0]["ID"])
			}
		})
	}
}

func TestDecodeMissingParts(t *testing.T) {
	c := NewComposer(root, nil)
	b := New().Add(get("Movies(1)", true), get("Movies(2)", true), get("Movies(3)", true))
	body := multipartBody("r", httpPart(200, `{"ID":1}`))

	results, err := c.Decode(b, "multipart/mixed; boundary=r", []byte(body))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	for _, r := range results[1:] {
		var de *models.DecodeError
		assert.True(t, errors.As(r.Err, &de))
	}
}

func TestDecodeChangesetSingleError(t *testing.T) {
	c := NewComposer(root, nil)
	b := New().
		AddChangeset(write("POST", "Movies", "{}"), write("PATCH", "Movies(1)", "{}")).
		Add(get("Movies(1)", true))
	body := multipartBody("r",
		httpPart(400, `{"error":{"code":"Invalid","message":"Title is required"}}`),
		httpPart(200, `{"ID":1}`),
	)

	results, err := c.Decode(b, "multipart/mixed; boundary=r", []byte(body))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results[:2] {
		var pe *models.ProtocolError
		require.True(t, errors.As(r.Err, &pe))
		assert.Equal(t, "Title is required", pe.Message)
		assert.Equal(t, 0, r.Changeset)
	}
	assert.NoError(t, results[2].Err)
}

func TestDecodeFlatChangeset(t *testing.T) {
	c := NewComposer(root, nil)
	b := New().AddChangeset(write("POST", "Movies", "{}"), write("DELETE", "Movies(4)", ""))
	body := multipartBody("r", httpPart(201, `{"ID":5}`), httpPart(204, ""))

	results, err := c.Decode(b, "multipart/mixed; boundary=r", []byte(body))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 201, results[0].Status)
	assert.Equal(t, 204, results[1].Status)
}

func TestDecodeNotMultipart(t *testing.T) {
	c := NewComposer(root, nil)
	b := New().Add(get("Movies", false))

	for _, ct := range []string{"application/json", "multipart/mixed", ""} {
		_, err := c.Decode(b, ct, []byte(`{}`))
		var de *models.DecodeError
		assert.True(t, errors.As(err, &de), ct)
	}
}

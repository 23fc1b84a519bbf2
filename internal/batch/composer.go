package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/decode"
	"github.com/zmcp/odata-client/internal/models"
)

// BoundaryFunc returns a multipart boundary for the given prefix
// ("batch" or "changeset")
type BoundaryFunc func(prefix string) string

// Option configures a Composer
type Option func(*Composer)

// WithBoundaries replaces the default uuid-based boundary generator
func WithBoundaries(fn BoundaryFunc) Option {
	return func(c *Composer) {
		if fn != nil {
			c.boundary = fn
		}
	}
}

// Composer encodes batches against one service root and decodes the
// multipart responses
type Composer struct {
	serviceRoot string
	decoder     *decode.Decoder
	boundary    BoundaryFunc
}

// NewComposer creates a composer. A nil decoder decodes parts untyped.
func NewComposer(serviceRoot string, dec *decode.Decoder, opts ...Option) *Composer {
	if dec == nil {
		dec = decode.New(nil, decode.Annotations{})
	}
	c := &Composer{
		serviceRoot: serviceRoot,
		decoder:     dec,
		boundary:    defaultBoundary,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBoundary(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Request wraps the encoded batch in a POST to <root>/$batch. header carries
// the session-level headers for the outer request.
func (c *Composer) Request(b Batch, header http.Header) (models.RequestDescriptor, error) {
	contentType, body, err := c.Encode(b)
	if err != nil {
		return models.RequestDescriptor{}, err
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(constants.ContentType, contentType)
	h.Set(constants.Accept, constants.ContentTypeMultipart)
	h.Set(constants.ODataVersion, constants.ProtocolVersion)
	h.Set(constants.ODataMaxVersion, constants.ProtocolVersion)

	return models.RequestDescriptor{
		Method: constants.POST,
		URI:    strings.TrimSuffix(c.serviceRoot, "/") + "/" + constants.BatchEndpoint,
		Header: h,
		Body:   body,
	}, nil
}

// Encode renders the batch as a multipart/mixed body and returns the
// matching Content-Type with its boundary parameter
func (c *Composer) Encode(b Batch) (string, []byte, error) {
	if err := validate(b); err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(c.boundary("batch")); err != nil {
		return "", nil, &models.ValidationError{Field: "boundary", Reason: err.Error(), Err: err}
	}

	contentID := 0
	for _, item := range b.items {
		if !item.Changeset {
			if err := c.writeRequest(w, item.Requests[0], ""); err != nil {
				return "", nil, err
			}
			continue
		}

		var cs bytes.Buffer
		cw := multipart.NewWriter(&cs)
		if err := cw.SetBoundary(c.boundary("changeset")); err != nil {
			return "", nil, &models.ValidationError{Field: "boundary", Reason: err.Error(), Err: err}
		}
		for _, req := range item.Requests {
			contentID++
			if err := c.writeRequest(cw, req, strconv.Itoa(contentID)); err != nil {
				return "", nil, err
			}
		}
		if err := cw.Close(); err != nil {
			return "", nil, err
		}

		part, err := w.CreatePart(textproto.MIMEHeader{
			constants.ContentType: {constants.ContentTypeMultipart + "; boundary=" + cw.Boundary()},
		})
		if err != nil {
			return "", nil, err
		}
		if _, err := part.Write(cs.Bytes()); err != nil {
			return "", nil, err
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}

	return constants.ContentTypeMultipart + "; boundary=" + w.Boundary(), buf.Bytes(), nil
}

func validate(b Batch) error {
	if len(b.items) == 0 {
		return &models.ValidationError{Field: "batch", Reason: "batch has no requests"}
	}
	for i, item := range b.items {
		if len(item.Requests) == 0 {
			return &models.ValidationError{Field: fmt.Sprintf("batch[%d]", i), Reason: "changeset has no requests"}
		}
		if !item.Changeset {
			continue
		}
		for _, req := range item.Requests {
			if !constants.IsModifying(req.Method) {
				return &models.ValidationError{
					Field:  fmt.Sprintf("batch[%d]", i),
					Reason: fmt.Sprintf("changeset members must modify data, got %s %s", methodOf(req), req.URI),
				}
			}
		}
	}
	return nil
}

// writeRequest writes one application/http part holding a serialized request
func (c *Composer) writeRequest(w *multipart.Writer, req models.RequestDescriptor, contentID string) error {
	mh := textproto.MIMEHeader{
		constants.ContentType:             {constants.ContentTypeHTTP},
		constants.ContentTransferEncoding: {"binary"},
	}
	if contentID != "" {
		mh.Set(constants.ContentID, contentID)
	}
	part, err := w.CreatePart(mh)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", methodOf(req), c.relative(req.URI))

	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// Credentials travel on the outer request only
	header.Del(constants.Authorization)
	header.Del(constants.Cookie)
	if len(req.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
		}
	}
	sb.WriteString("\r\n")

	if _, err := io.WriteString(part, sb.String()); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := part.Write(req.Body); err != nil {
			return err
		}
	}
	return nil
}

// relative strips the service root so the request line resolves against it
func (c *Composer) relative(uri string) string {
	root := strings.TrimSuffix(c.serviceRoot, "/") + "/"
	if c.serviceRoot != "" && strings.HasPrefix(uri, root) {
		return uri[len(root):]
	}
	return uri
}

func methodOf(req models.RequestDescriptor) string {
	if req.Method == "" {
		return constants.GET
	}
	return req.Method
}

// response is one application/http part of a batch response
type response struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// Decode splits a batch response into results aligned with b's flattened
// request order. A part that cannot be parsed fails only its own slot;
// parts the server never sent fail with a DecodeError. The returned error is
// reserved for bodies that are not multipart at all.
func (c *Composer) Decode(b Batch, contentType string, body []byte) ([]Result, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, &models.DecodeError{Reason: fmt.Sprintf("batch response is not multipart: %q", contentType), Err: err}
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, &models.DecodeError{Reason: "batch response Content-Type has no boundary"}
	}

	parts := &partReader{r: multipart.NewReader(bytes.NewReader(body), boundary)}
	results := make([]Result, 0, b.Len())

	for pos, item := range b.items {
		changeset := -1
		if item.Changeset {
			changeset = pos
		}
		for i, resp := range c.itemResponses(parts, item) {
			results = append(results, c.result(len(results), changeset, item.Requests[i], resp))
		}
	}
	return results, nil
}

// itemResponses returns exactly len(item.Requests) responses for one item
func (c *Composer) itemResponses(parts *partReader, item Item) []response {
	n := len(item.Requests)
	out := make([]response, 0, n)
	fill := func(r response) []response {
		for len(out) < n {
			out = append(out, r)
		}
		return out
	}

	first, nested := parts.next()
	switch {
	case nested != nil:
		if !item.Changeset {
			return fill(response{err: &models.DecodeError{Reason: "unexpected changeset in batch response"}})
		}
		if len(nested) == 1 && n > 1 && failed(nested[0]) {
			return fill(nested[0])
		}
		for _, r := range nested {
			if len(out) == n {
				break
			}
			out = append(out, r)
		}
		return fill(response{err: missingPart()})
	case !item.Changeset:
		return append(out, first)
	case failed(first):
		// A failed changeset may be answered by one response for the group
		return fill(first)
	}

	// Some servers answer a changeset with flat parts, one per member
	out = append(out, first)
	for len(out) < n {
		r, nested := parts.next()
		if nested != nil {
			r = response{err: &models.DecodeError{Reason: "unexpected changeset in batch response"}}
		}
		out = append(out, r)
	}
	return out
}

func (c *Composer) result(index, changeset int, req models.RequestDescriptor, resp response) Result {
	res := Result{Index: index, Changeset: changeset, Status: resp.status}
	if resp.err != nil {
		res.Err = resp.err
		return res
	}
	res.Page, res.Err = c.decoder.DecodePage(req, resp.status, resp.header, resp.body)
	return res
}

func failed(r response) bool {
	return r.err != nil || r.status >= 400
}

func missingPart() error {
	return &models.DecodeError{Reason: "batch response has no part for this request"}
}

// partReader walks the top-level parts. Once the multipart stream breaks,
// every later read reports a missing part.
type partReader struct {
	r    *multipart.Reader
	done bool
}

// next returns the next response, or the member responses when the part is
// a nested changeset
func (p *partReader) next() (response, []response) {
	if p.done {
		return response{err: missingPart()}, nil
	}
	part, err := p.r.NextPart()
	if err != nil {
		p.done = true
		if err == io.EOF {
			return response{err: missingPart()}, nil
		}
		return response{err: &models.DecodeError{Reason: "unreadable batch part", Err: err}}, nil
	}
	data, err := io.ReadAll(part)
	if err != nil {
		p.done = true
		return response{err: &models.DecodeError{Reason: "unreadable batch part", Err: err}}, nil
	}

	mediaType, params, _ := mime.ParseMediaType(part.Header.Get(constants.ContentType))
	if strings.HasPrefix(mediaType, "multipart/") {
		return response{}, readChangeset(data, params["boundary"])
	}
	return parseResponse(data), nil
}

func readChangeset(data []byte, boundary string) []response {
	if boundary == "" {
		return []response{{err: &models.DecodeError{Reason: "changeset part has no boundary"}}}
	}
	r := multipart.NewReader(bytes.NewReader(data), boundary)
	var out []response
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return append(out, response{err: &models.DecodeError{Reason: "unreadable changeset part", Err: err}})
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return append(out, response{err: &models.DecodeError{Reason: "unreadable changeset part", Err: err}})
		}
		out = append(out, parseResponse(data))
	}
	if len(out) == 0 {
		return []response{{err: &models.DecodeError{Reason: "changeset response has no parts"}}}
	}
	return out
}

// parseResponse reads the HTTP response serialized inside a part
func parseResponse(data []byte) response {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return response{err: &models.DecodeError{Reason: "malformed HTTP response in batch part", Err: err}}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{status: resp.StatusCode, err: &models.DecodeError{StatusCode: resp.StatusCode, Reason: "truncated batch part body", Err: err}}
	}
	return response{status: resp.StatusCode, header: resp.Header, body: body}
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zmcp/odata-client/internal/batch"
	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/models"
	"github.com/zmcp/odata-client/internal/query"
)

// batchRequest is one request of a batch file. URL is relative to the
// service root unless absolute.
type batchRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	EntitySet string            `json:"entity_set,omitempty"`
	Single    *bool             `json:"single,omitempty"`
}

// batchEntry is either a request or a changeset of requests
type batchEntry struct {
	batchRequest
	Changeset []batchRequest `json:"changeset,omitempty"`
}

type batchOutput struct {
	Index     int                  `json:"index"`
	Changeset int                  `json:"changeset"`
	Status    int                  `json:"status"`
	Page      *models.ResponsePage `json:"page,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file>",
		Short: "Send the requests in a JSON file as one $batch request",
		Long: `Send the requests in a JSON file as one $batch request.

The file holds an array; each element is a request or a changeset:

  [
    {"method": "GET", "url": "Movies(1)"},
    {"changeset": [
      {"method": "POST", "url": "Movies", "body": {"ID": 9, "Title": "Heat"}},
      {"method": "DELETE", "url": "Movies(3)"}
    ]}
  ]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read batch file: %w", err)
			}
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}

			b, err := parseBatch(data, a.session.Endpoint())
			if err != nil {
				return err
			}
			results, err := a.session.ExecuteBatch(cmd.Context(), b)
			if err != nil {
				return err
			}

			out := make([]batchOutput, len(results))
			failed := 0
			for i, r := range results {
				out[i] = batchOutput{Index: r.Index, Changeset: r.Changeset, Status: r.Status, Page: r.Page}
				if r.Err != nil {
					out[i].Error = r.Err.Error()
					failed++
				}
			}
			if err := a.printJSON(out); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d batch requests failed", failed, len(results))
			}
			return nil
		},
	}
}

// parseBatch turns a batch file into a Batch against endpoint
func parseBatch(data []byte, endpoint query.Endpoint) (batch.Batch, error) {
	var entries []batchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return batch.Batch{}, fmt.Errorf("invalid batch file: %w", err)
	}

	b := batch.New()
	for i, entry := range entries {
		if entry.Changeset != nil {
			descs := make([]models.RequestDescriptor, len(entry.Changeset))
			for j, req := range entry.Changeset {
				desc, err := req.descriptor(endpoint)
				if err != nil {
					return batch.Batch{}, fmt.Errorf("batch[%d].changeset[%d]: %w", i, j, err)
				}
				descs[j] = desc
			}
			b = b.AddChangeset(descs...)
			continue
		}
		desc, err := entry.descriptor(endpoint)
		if err != nil {
			return batch.Batch{}, fmt.Errorf("batch[%d]: %w", i, err)
		}
		b = b.Add(desc)
	}
	return b, nil
}

func (r batchRequest) descriptor(endpoint query.Endpoint) (models.RequestDescriptor, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = constants.GET
	}
	if r.URL == "" {
		return models.RequestDescriptor{}, fmt.Errorf("url is required")
	}

	uri := r.URL
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		uri = endpoint.ServiceRoot + strings.TrimPrefix(uri, "/")
	}

	header := endpoint.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(constants.Accept, constants.ContentTypeJSON)
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	var body []byte
	if len(r.Body) > 0 {
		body = r.Body
		if header.Get(constants.ContentType) == "" {
			header.Set(constants.ContentType, constants.ContentTypeJSON)
		}
	}

	// Modifying requests answer with one entity, reads by key too
	single := constants.IsModifying(method)
	if !single {
		path, _, _ := strings.Cut(r.URL, "?")
		single = strings.HasSuffix(path, ")")
	}
	if r.Single != nil {
		single = *r.Single
	}

	return models.RequestDescriptor{
		Method:    method,
		URI:       uri,
		Header:    header,
		Body:      body,
		EntitySet: r.EntitySet,
		Single:    single,
	}, nil
}

// Package batch frames several requests into one OData $batch call and
// splits the multipart response back into per-request results.
package batch

import (
	"github.com/zmcp/odata-client/internal/models"
)

// Item is one top-level entry of a batch: a single request, or a changeset
// whose requests succeed or fail together
type Item struct {
	Requests  []models.RequestDescriptor
	Changeset bool
}

// Batch is an ordered list of items. Like the query builder it has value
// semantics: Add and AddChangeset return a new Batch.
type Batch struct {
	items []Item
}

// New returns an empty batch
func New() Batch {
	return Batch{}
}

// Add appends each descriptor as its own item
func (b Batch) Add(descs ...models.RequestDescriptor) Batch {
	items := b.cloneItems(len(descs))
	for _, d := range descs {
		items = append(items, Item{Requests: []models.RequestDescriptor{d.Clone()}})
	}
	return Batch{items: items}
}

// AddChangeset appends the descriptors as one atomic changeset
func (b Batch) AddChangeset(descs ...models.RequestDescriptor) Batch {
	items := b.cloneItems(1)
	reqs := make([]models.RequestDescriptor, len(descs))
	for i, d := range descs {
		reqs[i] = d.Clone()
	}
	return Batch{items: append(items, Item{Requests: reqs, Changeset: true})}
}

func (b Batch) cloneItems(extra int) []Item {
	items := make([]Item, len(b.items), len(b.items)+extra)
	copy(items, b.items)
	return items
}

// Items returns the items in order
func (b Batch) Items() []Item {
	return b.cloneItems(0)
}

// Len is the number of requests, counting changeset members individually
func (b Batch) Len() int {
	n := 0
	for _, item := range b.items {
		n += len(item.Requests)
	}
	return n
}

// Requests flattens the batch into input order
func (b Batch) Requests() []models.RequestDescriptor {
	out := make([]models.RequestDescriptor, 0, b.Len())
	for _, item := range b.items {
		out = append(out, item.Requests...)
	}
	return out
}

// Result pairs request Index (in flattened input order) with its outcome.
// Changeset is the item position of the enclosing changeset, or -1.
type Result struct {
	Index     int
	Changeset int
	Status    int
	Page      *models.ResponsePage
	Err       error
}

// OK reports whether the request succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

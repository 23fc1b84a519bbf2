// Package loader coalesces concurrent by-key reads of one entity set into a
// single $batch request.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/zmcp/odata-client/internal/batch"
	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/models"
	"github.com/zmcp/odata-client/internal/query"
)

// Source builds and executes the batched reads. *client.Session satisfies it.
type Source interface {
	Query() query.Builder
	Endpoint() query.Endpoint
	ExecuteBatch(ctx context.Context, b batch.Batch) ([]batch.Result, error)
}

// Option configures a KeyLoader
type Option func(*config)

type config struct {
	wait     time.Duration
	maxBatch int
	noCache  bool
	selects  []string
	expands  []string
}

// WithWait sets how long the loader collects keys before sending a batch
func WithWait(d time.Duration) Option {
	return func(c *config) { c.wait = d }
}

// WithMaxBatch caps the number of reads per $batch request
func WithMaxBatch(n int) Option {
	return func(c *config) { c.maxBatch = n }
}

// WithoutCache disables the per-loader result cache
func WithoutCache() Option {
	return func(c *config) { c.noCache = true }
}

// WithSelect projects every read to paths
func WithSelect(paths ...string) Option {
	return func(c *config) { c.selects = append(c.selects, paths...) }
}

// WithExpand expands paths on every read
func WithExpand(paths ...string) Option {
	return func(c *config) { c.expands = append(c.expands, paths...) }
}

// KeyLoader loads entities of one entity set by key. Loads issued within the
// wait window share one $batch round trip. Results are cached per key for the
// loader's lifetime, so a loader usually lives for one unit of work.
type KeyLoader struct {
	src       Source
	entitySet string
	cfg       config
	loader    *dataloader.Loader
}

// New creates a loader for entitySet
func New(src Source, entitySet string, opts ...Option) *KeyLoader {
	cfg := config{wait: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &KeyLoader{src: src, entitySet: entitySet, cfg: cfg}

	dlOpts := []dataloader.Option{dataloader.WithWait(cfg.wait)}
	if cfg.maxBatch > 0 {
		dlOpts = append(dlOpts, dataloader.WithBatchCapacity(cfg.maxBatch))
	}
	if cfg.noCache {
		dlOpts = append(dlOpts, dataloader.WithCache(&dataloader.NoCache{}))
	}
	l.loader = dataloader.NewBatchedLoader(l.fetch, dlOpts...)
	return l
}

// entityKey carries the built read so the batch function only has to send it.
// The URI identifies the entity.
type entityKey struct {
	desc models.RequestDescriptor
}

func (k entityKey) String() string   { return k.desc.URI }
func (k entityKey) Raw() interface{} { return k.desc }

// Load reads the entity with the given key. A map value is a composite key.
// Invalid keys fail immediately without joining a batch.
func (l *KeyLoader) Load(ctx context.Context, key interface{}) (models.Entity, error) {
	k, err := l.key(key)
	if err != nil {
		return nil, err
	}
	v, err := l.loader.Load(ctx, k)()
	if err != nil {
		return nil, err
	}
	return v.(models.Entity), nil
}

// LoadMany reads several keys; errs[i] is set where entities[i] is nil
func (l *KeyLoader) LoadMany(ctx context.Context, keys []interface{}) ([]models.Entity, []error) {
	entities := make([]models.Entity, len(keys))
	errs := make([]error, len(keys))

	thunks := make([]dataloader.Thunk, len(keys))
	for i, key := range keys {
		k, err := l.key(key)
		if err != nil {
			errs[i] = err
			continue
		}
		thunks[i] = l.loader.Load(ctx, k)
	}
	for i, thunk := range thunks {
		if thunk == nil {
			continue
		}
		v, err := thunk()
		if err != nil {
			errs[i] = err
			continue
		}
		entities[i] = v.(models.Entity)
	}
	return entities, errs
}

// Clear drops the cached result for key
func (l *KeyLoader) Clear(ctx context.Context, key interface{}) {
	if k, err := l.key(key); err == nil {
		l.loader.Clear(ctx, k)
	}
}

// ClearAll drops every cached result
func (l *KeyLoader) ClearAll() {
	l.loader.ClearAll()
}

func (l *KeyLoader) key(key interface{}) (entityKey, error) {
	b := l.src.Query().ForEntitySet(l.entitySet)
	if composite, ok := key.(map[string]interface{}); ok {
		b = b.WithCompositeKey(composite)
	} else {
		b = b.WithKey(key)
	}
	if len(l.cfg.selects) > 0 {
		b = b.Select(l.cfg.selects...)
	}
	if len(l.cfg.expands) > 0 {
		b = b.Expand(l.cfg.expands...)
	}
	desc, err := b.ToRequestDescriptor(l.src.Endpoint(), constants.GET, nil)
	if err != nil {
		return entityKey{}, err
	}
	return entityKey{desc: desc}, nil
}

// fetch is the dataloader batch function: one $batch for all keys, results
// in key order
func (l *KeyLoader) fetch(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
	descs := make([]models.RequestDescriptor, len(keys))
	for i, k := range keys {
		descs[i] = k.Raw().(models.RequestDescriptor)
	}

	results := make([]*dataloader.Result, len(keys))
	batchResults, err := l.src.ExecuteBatch(ctx, batch.New().Add(descs...))
	if err != nil {
		for i := range results {
			results[i] = &dataloader.Result{Error: err}
		}
		return results
	}

	for i, k := range keys {
		switch {
		case i >= len(batchResults):
			results[i] = &dataloader.Result{Error: &models.DecodeError{Reason: "batch returned no result for " + k.String()}}
		case batchResults[i].Err != nil:
			results[i] = &dataloader.Result{Error: batchResults[i].Err}
		case batchResults[i].Page == nil || len(batchResults[i].Page.Entities) == 0:
			results[i] = &dataloader.Result{Error: &models.NotFoundError{Kind: "entity", Name: k.String(), In: l.entitySet}}
		default:
			results[i] = &dataloader.Result{Data: batchResults[i].Page.Entities[0]}
		}
	}
	return results
}

// String identifies the loader in logs
func (l *KeyLoader) String() string {
	return fmt.Sprintf("KeyLoader(%s)", l.entitySet)
}

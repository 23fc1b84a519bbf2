package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/expr"
	"github.com/zmcp/odata-client/internal/loader"
	"github.com/zmcp/odata-client/internal/models"
	"github.com/zmcp/odata-client/internal/query"
)

type queryOptions struct {
	filter  string
	selects []string
	expands []string
	orderBy []string
	top     int
	skip    int
	count   bool
	key     string
	params  []string
	all     bool
	untyped bool
}

func newQueryCmd() *cobra.Command {
	opts := &queryOptions{top: -1, skip: -1}
	cmd := &cobra.Command{
		Use:   "query <entity-set>",
		Short: "Query an entity set and print the response as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, !opts.untyped)
			if err != nil {
				return err
			}
			return a.runQuery(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.filter, "filter", "", "Filter expression, e.g. \"Year gt 2000 and contains(Title,'War')\"")
	f.StringSliceVar(&opts.selects, "select", nil, "Properties to select (comma-separated)")
	f.StringSliceVar(&opts.expands, "expand", nil, "Navigation properties to expand (comma-separated)")
	f.StringSliceVar(&opts.orderBy, "orderby", nil, "Sort order, e.g. \"Year desc,Title\"")
	f.IntVar(&opts.top, "top", -1, "Maximum number of entities ($top)")
	f.IntVar(&opts.skip, "skip", -1, "Number of entities to skip ($skip)")
	f.BoolVar(&opts.count, "count", false, "Request the total count ($count=true)")
	f.StringVar(&opts.key, "key", "", "Entity key: a value (42, 'abc') or Name=value pairs (Year=2001,Title='Amelie')")
	f.StringSliceVar(&opts.params, "param", nil, "Custom query parameter name=value (repeatable)")
	f.BoolVar(&opts.all, "all", false, "Follow next links and print every entity")
	f.BoolVar(&opts.untyped, "untyped", false, "Skip $metadata; send the query without schema validation")
	return cmd
}

func (a *app) runQuery(cmd *cobra.Command, entitySet string, opts *queryOptions) error {
	b, err := buildQuery(a.session.Query().ForEntitySet(entitySet), opts)
	if err != nil {
		return err
	}
	desc, err := b.ToRequestDescriptor(a.session.Endpoint(), constants.GET, nil)
	if err != nil {
		return err
	}
	a.logger.Debug("query built", "uri", desc.URI)

	ctx := cmd.Context()
	if !opts.all {
		page, err := a.session.Execute(ctx, desc)
		if err != nil {
			return err
		}
		return a.printJSON(page)
	}

	entities, err := a.session.Collect(ctx, desc)
	if err != nil {
		return err
	}
	return a.printJSON(&models.ResponsePage{Entities: entities})
}

// buildQuery applies the command line options to b
func buildQuery(b query.Builder, opts *queryOptions) (query.Builder, error) {
	if opts.filter != "" {
		e, err := expr.Parse(opts.filter)
		if err != nil {
			return b, fmt.Errorf("invalid filter: %w", err)
		}
		b = b.Filter(e)
	}
	if len(opts.selects) > 0 {
		b = b.Select(opts.selects...)
	}
	if len(opts.expands) > 0 {
		b = b.Expand(opts.expands...)
	}
	for _, item := range opts.orderBy {
		path, dir, _ := strings.Cut(strings.TrimSpace(item), " ")
		switch strings.ToLower(strings.TrimSpace(dir)) {
		case "", "asc":
			b = b.OrderBy(path)
		case "desc":
			b = b.OrderByDesc(path)
		default:
			return b, fmt.Errorf("invalid sort direction %q in %q", dir, item)
		}
	}
	if opts.top >= 0 {
		b = b.Top(opts.top)
	}
	if opts.skip >= 0 {
		b = b.Skip(opts.skip)
	}
	if opts.count {
		b = b.Count()
	}
	if opts.key != "" {
		key, err := parseKey(opts.key)
		if err != nil {
			return b, err
		}
		if composite, ok := key.(map[string]interface{}); ok {
			b = b.WithCompositeKey(composite)
		} else {
			b = b.WithKey(key)
		}
	}
	for _, p := range opts.params {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return b, fmt.Errorf("invalid parameter %q, want name=value", p)
		}
		b = b.Param(name, value)
	}
	return b, nil
}

func newGetCmd() *cobra.Command {
	var (
		selects []string
		expands []string
	)
	cmd := &cobra.Command{
		Use:   "get <entity-set> <key>...",
		Short: "Read entities by key; the reads share one $batch request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}

			keys := make([]interface{}, 0, len(args)-1)
			for _, raw := range args[1:] {
				key, err := parseKey(raw)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}

			var opts []loader.Option
			if len(selects) > 0 {
				opts = append(opts, loader.WithSelect(selects...))
			}
			if len(expands) > 0 {
				opts = append(opts, loader.WithExpand(expands...))
			}
			l := loader.New(a.session, args[0], opts...)

			entities, errs := l.LoadMany(cmd.Context(), keys)
			failed := 0
			for i, err := range errs {
				if err != nil {
					failed++
					a.logger.Error("read failed", "key", args[i+1], "error", err)
				}
			}
			if err := a.printJSON(entities); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d reads failed", failed, len(keys))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&selects, "select", nil, "Properties to select (comma-separated)")
	cmd.Flags().StringSliceVar(&expands, "expand", nil, "Navigation properties to expand (comma-separated)")
	return cmd
}

func newMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Fetch $metadata and print the entity sets and their types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			meta, err := a.session.Metadata(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(summarize(meta))
		},
	}
}

type entitySetSummary struct {
	Name       string   `json:"name"`
	EntityType string   `json:"entity_type"`
	Key        []string `json:"key"`
	Properties []string `json:"properties"`
	Navigation []string `json:"navigation,omitempty"`
}

func summarize(meta *models.ODataMetadata) []entitySetSummary {
	out := make([]entitySetSummary, 0, len(meta.EntitySets))
	for _, set := range meta.EntitySets {
		s := entitySetSummary{Name: set.Name, EntityType: set.EntityType}
		if et := lookupType(meta, set.EntityType); et != nil {
			s.Key = et.KeyProperties
			for _, p := range et.Properties {
				s.Properties = append(s.Properties, p.Name+" "+p.Type)
			}
			for _, n := range et.NavigationProps {
				s.Navigation = append(s.Navigation, n.Name+" "+n.Type)
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func lookupType(meta *models.ODataMetadata, name string) *models.EntityType {
	if et, ok := meta.EntityTypes[name]; ok {
		return et
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		return meta.EntityTypes[name[i+1:]]
	}
	return nil
}

// parseKey reads a command line key: a single scalar, or comma separated
// Name=value pairs for a composite key. Quoted values are strings, the rest
// are tried as integer, decimal and boolean before falling back to string.
func parseKey(raw string) (interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty key")
	}
	if !strings.Contains(raw, "=") || isQuoted(raw) {
		return parseScalar(raw), nil
	}

	composite := make(map[string]interface{})
	for _, pair := range splitPairs(raw) {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid key part %q, want Name=value", pair)
		}
		composite[name] = parseScalar(strings.TrimSpace(value))
	}
	return composite, nil
}

func parseScalar(s string) interface{} {
	if isQuoted(s) {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func isQuoted(s string) bool {
	return len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\''
}

// splitPairs splits on commas outside single quotes
func splitPairs(s string) []string {
	var (
		parts  []string
		start  int
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

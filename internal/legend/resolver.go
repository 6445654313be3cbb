// Package legend resolves record codes against the abbreviation dictionary.
package legend

import (
	"context"
	"errors"
	"strings"

	"daymail/internal/storage"
	logx "daymail/pkg/logx"
)

// Resolver is a read-only lookup. It never mutates legend rows; usage
// counters belong to the legend CRUD surface.
type Resolver struct {
	store storage.Store
	log   logx.Logger
}

func NewResolver(store storage.Store, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, log: log}
}

// Resolve maps a raw code to its legend description. Matching is
// case-insensitive on the abbreviation. Codes without a legend entry pass
// through verbatim, as does everything when the store is unreachable.
func (r *Resolver) Resolve(ctx context.Context, code string) string {
	raw := strings.TrimSpace(code)
	if raw == "" {
		return ""
	}
	e, err := r.store.GetLegend(ctx, raw)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("legend lookup failed; passing code through", logx.String("code", raw), logx.Err(err))
		}
		return raw
	}
	if strings.TrimSpace(e.Description) == "" {
		return raw
	}
	return e.Description
}

package docstore

import (
	"context"
	"encoding/json"
	"iter"
)

// DefaultPageSize is used by Paginate when pageSize <= 0.
const DefaultPageSize = 100

// Paginate lazily walks the documents selected by q, fetching pageSize
// documents per round trip. q.Skip is the starting offset, so an interrupted
// walk can be resumed; q.Take caps the total number yielded.
func Paginate(ctx context.Context, s Store, pk string, q Query, pageSize int) iter.Seq2[json.RawMessage, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return func(yield func(json.RawMessage, error) bool) {
		offset := q.Skip
		remaining := q.Take

		for {
			take := pageSize
			if q.Take > 0 {
				if remaining <= 0 {
					return
				}
				take = min(take, remaining)
			}

			page := q
			page.Skip = offset
			page.Take = take

			items, err := s.QueryPage(ctx, pk, page)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, it := range items {
				if !yield(it, nil) {
					return
				}
			}

			if len(items) < take {
				return
			}
			offset += len(items)
			remaining -= len(items)
		}
	}
}

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/google/uuid"
)

type memoryDoc struct {
	body []byte
	etag string
}

// MemoryStore keeps documents in process memory. It honours the same
// conflict, etag and batch atomicity rules as the durable backends.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]memoryDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: map[string]map[string]memoryDoc{}}
}

func (s *MemoryStore) Add(ctx context.Context, pk, id string, body []byte) (*Document, error) {
	res, err := s.ExecuteBatch(ctx, pk, []Operation{CreateOp(id, body)})
	if err != nil {
		return nil, unwrapSingle(err)
	}
	return s.document(pk, id, res[0].ETag), nil
}

func (s *MemoryStore) Get(_ context.Context, pk, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.partitions[pk][id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &Document{ID: id, PartitionKey: pk, Body: slices.Clone(d.body), ETag: d.etag}, nil
}

func (s *MemoryStore) Replace(ctx context.Context, pk, id string, body []byte, ifMatch string) (*Document, error) {
	res, err := s.ExecuteBatch(ctx, pk, []Operation{ReplaceOp(id, body, ifMatch)})
	if err != nil {
		return nil, unwrapSingle(err)
	}
	return s.document(pk, id, res[0].ETag), nil
}

func (s *MemoryStore) Delete(ctx context.Context, pk, id string) error {
	_, err := s.ExecuteBatch(ctx, pk, []Operation{DeleteOp(id)})
	return unwrapSingle(err)
}

func (s *MemoryStore) ExecuteBatch(ctx context.Context, pk string, ops []Operation) ([]OperationResult, error) {
	if err := validateBatch(ops); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// work on a copy so a failing operation leaves the partition untouched
	work := maps.Clone(s.partitions[pk])
	if work == nil {
		work = map[string]memoryDoc{}
	}

	results := make([]OperationResult, 0, len(ops))
	for i, op := range ops {
		cur, exists := work[op.ID]
		switch op.Kind {
		case OpCreate, OpReplace:
			if op.Kind == OpCreate && exists {
				return nil, &BatchError{Index: i, Op: op, Err: common.ErrConflict}
			}
			if op.Kind == OpReplace {
				if !exists {
					return nil, &BatchError{Index: i, Op: op, Err: common.ErrorNotFound}
				}
				if op.IfMatch != "" && op.IfMatch != cur.etag {
					return nil, &BatchError{Index: i, Op: op, Err: common.ErrPreconditionFailed}
				}
			}
			body, err := stampBody(op.Body, pk, op.ID)
			if err != nil {
				return nil, &BatchError{Index: i, Op: op, Err: err}
			}
			etag := uuid.NewString()
			work[op.ID] = memoryDoc{body: body, etag: etag}
			results = append(results, OperationResult{ID: op.ID, ETag: etag})
		case OpDelete:
			if !exists {
				return nil, &BatchError{Index: i, Op: op, Err: common.ErrorNotFound}
			}
			delete(work, op.ID)
			results = append(results, OperationResult{ID: op.ID})
		default:
			return nil, &BatchError{Index: i, Op: op, Err: fmt.Errorf("%w: unknown operation", common.ErrorValidation)}
		}
	}

	if len(work) == 0 {
		delete(s.partitions, pk)
	} else {
		s.partitions[pk] = work
	}
	return results, nil
}

func (s *MemoryStore) QueryPage(_ context.Context, pk string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	part := s.partitions[pk]
	ids := slices.Sorted(maps.Keys(part))

	out := []json.RawMessage{}
	skipped := 0
	for _, id := range ids {
		body := part[id].body
		ok, err := matches(body, q.Filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if skipped < q.Skip {
			skipped++
			continue
		}
		item, err := project(body, q.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
		if q.Take > 0 && len(out) == q.Take {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) document(pk, id, etag string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.partitions[pk][id]
	return &Document{ID: id, PartitionKey: pk, Body: slices.Clone(d.body), ETag: etag}
}

// unwrapSingle turns the BatchError of a one-operation batch into its cause.
func unwrapSingle(err error) error {
	if be, ok := err.(*BatchError); ok {
		return be.Err
	}
	return err
}

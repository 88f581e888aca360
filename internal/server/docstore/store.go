// Package docstore is a partitioned JSON document store. Each Store is bound
// to one collection; documents are addressed by (id, partition key) and every
// write refreshes an opaque etag that Replace and batch replaces can be
// conditioned on. Batches are atomic within one partition.
//
// Backends: PostgreSQL (NewPostgresStore), Azure Cosmos DB (NewCosmosStore),
// DynamoDB (NewDynamoDBStore) and an in-memory map (NewMemoryStore).
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/hashledger/internal/common"
)

// MaxBatchOperations is the largest batch every backend accepts.
const MaxBatchOperations = 100

// Document is a stored item.
type Document struct {
	ID           string
	PartitionKey string
	Body         json.RawMessage
	ETag         string
}

// OpKind is the kind of a batch operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpReplace
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Operation is one step of a batch. IfMatch is honoured by replaces only.
type Operation struct {
	Kind    OpKind
	ID      string
	Body    json.RawMessage
	IfMatch string
}

func CreateOp(id string, body []byte) Operation {
	return Operation{Kind: OpCreate, ID: id, Body: body}
}

func ReplaceOp(id string, body []byte, ifMatch string) Operation {
	return Operation{Kind: OpReplace, ID: id, Body: body, IfMatch: ifMatch}
}

func DeleteOp(id string) Operation {
	return Operation{Kind: OpDelete, ID: id}
}

// OperationResult is the per-operation outcome of a successful batch.
// ETag is empty for deletes.
type OperationResult struct {
	ID   string
	ETag string
}

// BatchError reports the operation that aborted a batch. Err wraps one of
// common.ErrConflict, common.ErrorNotFound, common.ErrPreconditionFailed or
// a transport error.
type BatchError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch operation %d (%s %q) failed: %v", e.Index, e.Op.Kind, e.Op.ID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents inside one partition. Fields lists the top-level
// fields to project (empty means the whole document). Take <= 0 means no
// limit. Results are ordered by document id.
type Query struct {
	Fields []string
	Filter *Filter
	Skip   int
	Take   int
}

// Store is the document store contract.
type Store interface {
	// Add creates a document; common.ErrConflict if the id is taken.
	Add(ctx context.Context, pk, id string, body []byte) (*Document, error)
	// Get returns the document or common.ErrorNotFound.
	Get(ctx context.Context, pk, id string) (*Document, error)
	// Replace overwrites a document. A non-empty ifMatch must equal the
	// current etag or common.ErrPreconditionFailed is returned.
	Replace(ctx context.Context, pk, id string, body []byte, ifMatch string) (*Document, error)
	// Delete removes a document; common.ErrorNotFound if it is absent.
	Delete(ctx context.Context, pk, id string) error
	// ExecuteBatch runs ops atomically inside partition pk. On failure
	// nothing is applied and a *BatchError is returned.
	ExecuteBatch(ctx context.Context, pk string, ops []Operation) ([]OperationResult, error)
	// QueryPage returns one page of projected documents.
	QueryPage(ctx context.Context, pk string, q Query) ([]json.RawMessage, error)
}

func validateBatch(ops []Operation) error {
	if len(ops) > MaxBatchOperations {
		return fmt.Errorf("%w: batch of %d operations exceeds limit of %d", common.ErrorValidation, len(ops), MaxBatchOperations)
	}
	for i, op := range ops {
		if op.ID == "" {
			return &BatchError{Index: i, Op: op, Err: fmt.Errorf("%w: empty id", common.ErrorValidation)}
		}
	}
	return nil
}

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/dmitrijs2005/hashledger/internal/common"
)

// CosmosContainer is the subset of *azcosmos.ContainerClient used by the store.
type CosmosContainer interface {
	CreateItem(ctx context.Context, pk azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	ReadItem(ctx context.Context, pk azcosmos.PartitionKey, itemID string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	ReplaceItem(ctx context.Context, pk azcosmos.PartitionKey, itemID string, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	DeleteItem(ctx context.Context, pk azcosmos.PartitionKey, itemID string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	NewTransactionalBatch(pk azcosmos.PartitionKey) azcosmos.TransactionalBatch
	ExecuteTransactionalBatch(ctx context.Context, b azcosmos.TransactionalBatch, o *azcosmos.TransactionalBatchOptions) (azcosmos.TransactionalBatchResponse, error)
	NewQueryItemsPager(query string, pk azcosmos.PartitionKey, o *azcosmos.QueryOptions) *runtime.Pager[azcosmos.QueryItemsResponse]
}

// CosmosStore is backed by one Cosmos DB container partitioned on /pk.
type CosmosStore struct {
	container CosmosContainer
}

func NewCosmosStore(container CosmosContainer) *CosmosStore {
	return &CosmosStore{container: container}
}

// NewCosmosClient builds a key-authenticated Cosmos DB client.
func NewCosmosClient(endpoint, key string) (*azcosmos.Client, error) {
	cred, err := azcosmos.NewKeyCredential(key)
	if err != nil {
		return nil, fmt.Errorf("cosmos credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cosmos client: %w", err)
	}
	return client, nil
}

func (s *CosmosStore) Add(ctx context.Context, pk, id string, body []byte) (*Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", common.ErrorValidation)
	}
	stamped, err := stampBody(body, pk, id)
	if err != nil {
		return nil, err
	}
	resp, err := s.container.CreateItem(ctx, azcosmos.NewPartitionKeyString(pk), stamped, nil)
	if err != nil {
		return nil, cosmosError(err)
	}
	return &Document{ID: id, PartitionKey: pk, Body: stamped, ETag: string(resp.ETag)}, nil
}

func (s *CosmosStore) Get(ctx context.Context, pk, id string) (*Document, error) {
	resp, err := s.container.ReadItem(ctx, azcosmos.NewPartitionKeyString(pk), id, nil)
	if err != nil {
		return nil, cosmosError(err)
	}
	return &Document{ID: id, PartitionKey: pk, Body: resp.Value, ETag: string(resp.ETag)}, nil
}

func (s *CosmosStore) Replace(ctx context.Context, pk, id string, body []byte, ifMatch string) (*Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", common.ErrorValidation)
	}
	stamped, err := stampBody(body, pk, id)
	if err != nil {
		return nil, err
	}
	var opts *azcosmos.ItemOptions
	if ifMatch != "" {
		etag := azcore.ETag(ifMatch)
		opts = &azcosmos.ItemOptions{IfMatchEtag: &etag}
	}
	resp, err := s.container.ReplaceItem(ctx, azcosmos.NewPartitionKeyString(pk), id, stamped, opts)
	if err != nil {
		return nil, cosmosError(err)
	}
	return &Document{ID: id, PartitionKey: pk, Body: stamped, ETag: string(resp.ETag)}, nil
}

func (s *CosmosStore) Delete(ctx context.Context, pk, id string) error {
	if _, err := s.container.DeleteItem(ctx, azcosmos.NewPartitionKeyString(pk), id, nil); err != nil {
		return cosmosError(err)
	}
	return nil
}

func (s *CosmosStore) ExecuteBatch(ctx context.Context, pk string, ops []Operation) ([]OperationResult, error) {
	if err := validateBatch(ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return []OperationResult{}, nil
	}

	batch := s.container.NewTransactionalBatch(azcosmos.NewPartitionKeyString(pk))
	for i, op := range ops {
		switch op.Kind {
		case OpCreate:
			body, err := stampBody(op.Body, pk, op.ID)
			if err != nil {
				return nil, &BatchError{Index: i, Op: op, Err: err}
			}
			batch.CreateItem(body, nil)
		case OpReplace:
			body, err := stampBody(op.Body, pk, op.ID)
			if err != nil {
				return nil, &BatchError{Index: i, Op: op, Err: err}
			}
			var opts *azcosmos.TransactionalBatchItemOptions
			if op.IfMatch != "" {
				etag := azcore.ETag(op.IfMatch)
				opts = &azcosmos.TransactionalBatchItemOptions{IfMatchETag: &etag}
			}
			batch.ReplaceItem(op.ID, body, opts)
		case OpDelete:
			batch.DeleteItem(op.ID, nil)
		default:
			return nil, &BatchError{Index: i, Op: op, Err: fmt.Errorf("%w: unknown operation", common.ErrorValidation)}
		}
	}

	resp, err := s.container.ExecuteTransactionalBatch(ctx, batch, nil)
	if err != nil {
		return nil, cosmosError(err)
	}
	if !resp.Success {
		idx, status := firstBatchFailure(resp.OperationResults)
		if idx < 0 || idx >= len(ops) {
			return nil, fmt.Errorf("%w: batch rejected without operation status", common.ErrTransport)
		}
		return nil, &BatchError{Index: idx, Op: ops[idx], Err: statusError(status)}
	}

	results := make([]OperationResult, len(ops))
	for i, op := range ops {
		results[i] = OperationResult{ID: op.ID}
		if i < len(resp.OperationResults) && op.Kind != OpDelete {
			results[i].ETag = string(resp.OperationResults[i].ETag)
		}
	}
	return results, nil
}

func (s *CosmosStore) QueryPage(ctx context.Context, pk string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	query, params := buildCosmosQuery(q)
	pager := s.container.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(pk), &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	out := []json.RawMessage{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, cosmosError(err)
		}
		for _, item := range page.Items {
			out = append(out, json.RawMessage(item))
		}
	}
	return out, nil
}

// buildCosmosQuery renders q as Cosmos SQL. Field names are validated by
// validateQuery before they reach the query text.
func buildCosmosQuery(q Query) (string, []azcosmos.QueryParameter) {
	var b strings.Builder
	var params []azcosmos.QueryParameter

	b.WriteString("SELECT ")
	if len(q.Fields) == 0 {
		b.WriteString("*")
	} else {
		cols := make([]string, len(q.Fields))
		for i, f := range q.Fields {
			cols[i] = "c." + f
		}
		b.WriteString(strings.Join(cols, ", "))
	}
	b.WriteString(" FROM c")

	if q.Filter != nil {
		fmt.Fprintf(&b, " WHERE c.%s = @value", q.Filter.Field)
		params = append(params, azcosmos.QueryParameter{Name: "@value", Value: q.Filter.Value})
	}
	b.WriteString(" ORDER BY c.id")

	if q.Skip > 0 || q.Take > 0 {
		take := q.Take
		if take <= 0 {
			take = math.MaxInt32
		}
		b.WriteString(" OFFSET @skip LIMIT @take")
		params = append(params,
			azcosmos.QueryParameter{Name: "@skip", Value: q.Skip},
			azcosmos.QueryParameter{Name: "@take", Value: take},
		)
	}
	return b.String(), params
}

// firstBatchFailure returns the index and status of the operation that broke
// a batch. Operations aborted because of it report 424 and are skipped.
func firstBatchFailure(results []azcosmos.TransactionalBatchResult) (int, int) {
	for i, r := range results {
		code := int(r.StatusCode)
		if code == http.StatusFailedDependency || (code >= 200 && code < 300) {
			continue
		}
		return i, code
	}
	return -1, 0
}

func statusError(status int) error {
	switch status {
	case http.StatusNotFound:
		return common.ErrorNotFound
	case http.StatusConflict:
		return common.ErrConflict
	case http.StatusPreconditionFailed:
		return common.ErrPreconditionFailed
	case http.StatusBadRequest:
		return common.ErrorValidation
	}
	return fmt.Errorf("%w: status %d", common.ErrTransport, status)
}

func cosmosError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if mapped := statusError(respErr.StatusCode); !errors.Is(mapped, common.ErrTransport) {
			return mapped
		}
		return fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrTransport, err)
}

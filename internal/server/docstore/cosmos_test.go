package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	CosmosContainer

	readResp  azcosmos.ItemResponse
	readErr   error
	replaced  *azcosmos.ItemOptions
	batchResp azcosmos.TransactionalBatchResponse
	pages     [][][]byte
	query     string
	params    []azcosmos.QueryParameter
}

func (f *fakeContainer) ReadItem(context.Context, azcosmos.PartitionKey, string, *azcosmos.ItemOptions) (azcosmos.ItemResponse, error) {
	return f.readResp, f.readErr
}

func (f *fakeContainer) ReplaceItem(_ context.Context, _ azcosmos.PartitionKey, _ string, _ []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error) {
	f.replaced = o
	if o != nil && o.IfMatchEtag != nil && *o.IfMatchEtag != "current" {
		return azcosmos.ItemResponse{}, &azcore.ResponseError{StatusCode: 412}
	}
	return azcosmos.ItemResponse{Response: azcosmos.Response{ETag: "next"}}, nil
}

func (f *fakeContainer) NewTransactionalBatch(azcosmos.PartitionKey) azcosmos.TransactionalBatch {
	return azcosmos.TransactionalBatch{}
}

func (f *fakeContainer) ExecuteTransactionalBatch(context.Context, azcosmos.TransactionalBatch, *azcosmos.TransactionalBatchOptions) (azcosmos.TransactionalBatchResponse, error) {
	return f.batchResp, nil
}

func (f *fakeContainer) NewQueryItemsPager(query string, _ azcosmos.PartitionKey, o *azcosmos.QueryOptions) *runtime.Pager[azcosmos.QueryItemsResponse] {
	f.query = query
	f.params = o.QueryParameters
	i := 0
	return runtime.NewPager(runtime.PagingHandler[azcosmos.QueryItemsResponse]{
		More: func(azcosmos.QueryItemsResponse) bool { return i < len(f.pages) },
		Fetcher: func(context.Context, *azcosmos.QueryItemsResponse) (azcosmos.QueryItemsResponse, error) {
			page := azcosmos.QueryItemsResponse{Items: f.pages[i]}
			i++
			return page, nil
		},
	})
}

func TestCosmosGet(t *testing.T) {
	c := &fakeContainer{readResp: azcosmos.ItemResponse{Response: azcosmos.Response{ETag: "e1"}, Value: []byte(`{"id":"42"}`)}}
	s := NewCosmosStore(c)

	doc, err := s.Get(context.Background(), "42", "42")
	require.NoError(t, err)
	assert.Equal(t, "e1", doc.ETag)
	assert.JSONEq(t, `{"id":"42"}`, string(doc.Body))

	c.readErr = &azcore.ResponseError{StatusCode: 404}
	_, err = s.Get(context.Background(), "42", "42")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestCosmosReplace_IfMatch(t *testing.T) {
	c := &fakeContainer{}
	s := NewCosmosStore(c)

	doc, err := s.Replace(context.Background(), "42", "42", []byte(`{}`), "current")
	require.NoError(t, err)
	assert.Equal(t, "next", doc.ETag)
	require.NotNil(t, c.replaced)

	_, err = s.Replace(context.Background(), "42", "42", []byte(`{}`), "stale")
	assert.ErrorIs(t, err, common.ErrPreconditionFailed)

	_, err = s.Replace(context.Background(), "42", "42", []byte(`{}`), "")
	require.NoError(t, err)
	assert.Nil(t, c.replaced)
}

func TestCosmosExecuteBatch_Failure(t *testing.T) {
	c := &fakeContainer{batchResp: azcosmos.TransactionalBatchResponse{
		Success: false,
		OperationResults: []azcosmos.TransactionalBatchResult{
			{StatusCode: 424},
			{StatusCode: 412},
		},
	}}
	s := NewCosmosStore(c)

	_, err := s.ExecuteBatch(context.Background(), "7", []Operation{
		CreateOp("abc", []byte(`{}`)),
		ReplaceOp("7", []byte(`{}`), "e1"),
	})
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.ErrorIs(t, err, common.ErrPreconditionFailed)
}

func TestCosmosExecuteBatch_Success(t *testing.T) {
	c := &fakeContainer{batchResp: azcosmos.TransactionalBatchResponse{
		Success: true,
		OperationResults: []azcosmos.TransactionalBatchResult{
			{StatusCode: 201, ETag: "a1"},
			{StatusCode: 204},
		},
	}}
	s := NewCosmosStore(c)

	res, err := s.ExecuteBatch(context.Background(), "7", []Operation{
		CreateOp("abc", []byte(`{}`)),
		DeleteOp("old"),
	})
	require.NoError(t, err)
	assert.Equal(t, []OperationResult{{ID: "abc", ETag: "a1"}, {ID: "old"}}, res)
}

func TestCosmosQueryPage(t *testing.T) {
	c := &fakeContainer{pages: [][][]byte{
		{[]byte(`{"hash":"a"}`)},
		{[]byte(`{"hash":"b"}`)},
	}}
	s := NewCosmosStore(c)

	items, err := s.QueryPage(context.Background(), "7", Query{
		Fields: []string{"hash"},
		Filter: &Filter{Field: "type", Value: "file_hash"},
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "SELECT c.hash FROM c WHERE c.type = @value ORDER BY c.id", c.query)
}

func TestBuildCosmosQuery(t *testing.T) {
	tests := []struct {
		name   string
		q      Query
		want   string
		params int
	}{
		{"all", Query{}, "SELECT * FROM c ORDER BY c.id", 0},
		{"projection", Query{Fields: []string{"id", "hash"}}, "SELECT c.id, c.hash FROM c ORDER BY c.id", 0},
		{"paged", Query{Skip: 5, Take: 10}, "SELECT * FROM c ORDER BY c.id OFFSET @skip LIMIT @take", 2},
		{"skip only", Query{Skip: 5}, "SELECT * FROM c ORDER BY c.id OFFSET @skip LIMIT @take", 2},
		{"filter", Query{Filter: &Filter{Field: "type", Value: "x"}}, "SELECT * FROM c WHERE c.type = @value ORDER BY c.id", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, params := buildCosmosQuery(tt.q)
			assert.Equal(t, tt.want, got)
			assert.Len(t, params, tt.params)
		})
	}
}

func TestCosmosError(t *testing.T) {
	assert.ErrorIs(t, cosmosError(&azcore.ResponseError{StatusCode: 409}), common.ErrConflict)
	assert.ErrorIs(t, cosmosError(&azcore.ResponseError{StatusCode: 503}), common.ErrTransport)
	assert.ErrorIs(t, cosmosError(context.Canceled), context.Canceled)
	assert.ErrorIs(t, cosmosError(errors.New("dial")), common.ErrTransport)
}

func TestFirstBatchFailure(t *testing.T) {
	idx, status := firstBatchFailure([]azcosmos.TransactionalBatchResult{{StatusCode: 424}, {StatusCode: 409}, {StatusCode: 424}})
	assert.Equal(t, 1, idx)
	assert.Equal(t, 409, status)

	idx, _ = firstBatchFailure([]azcosmos.TransactionalBatchResult{{StatusCode: 200}})
	assert.Equal(t, -1, idx)
}

package docstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDynamoDBClient struct {
	getItemFunc  func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	putItemFunc  func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	deleteFunc   func(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	queryFunc    func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	transactFunc func(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, params, optFns...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params, optFns...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamoDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactFunc != nil {
		return m.transactFunc(ctx, params, optFns...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func marshalItem(t *testing.T, it dynamoItem) map[string]dbtypes.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(it)
	require.NoError(t, err)
	return av
}

func TestDynamoDBAdd_Conditional(t *testing.T) {
	var got *dynamodb.PutItemInput
	s := NewDynamoDBStore(&mockDynamoDBClient{
		putItemFunc: func(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			got = params
			return &dynamodb.PutItemOutput{}, nil
		},
	}, "ledger")

	doc, err := s.Add(context.Background(), "42", "42", []byte(`{"type":"deployment_metadata"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ETag)
	require.NotNil(t, got)
	assert.Equal(t, "ledger", aws.ToString(got.TableName))
	assert.Equal(t, condNotExists, aws.ToString(got.ConditionExpression))
}

func TestDynamoDBAdd_Conflict(t *testing.T) {
	s := NewDynamoDBStore(&mockDynamoDBClient{
		putItemFunc: func(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, &dbtypes.ConditionalCheckFailedException{}
		},
	}, "ledger")

	_, err := s.Add(context.Background(), "42", "42", []byte(`{}`))
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestDynamoDBReplace_Precondition(t *testing.T) {
	old := marshalItem(t, dynamoItem{PK: "42", ID: "42", Data: `{}`, ETag: "current"})
	s := NewDynamoDBStore(&mockDynamoDBClient{
		putItemFunc: func(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			if aws.ToString(params.ConditionExpression) == condETag {
				return nil, &dbtypes.ConditionalCheckFailedException{Item: old}
			}
			return nil, &dbtypes.ConditionalCheckFailedException{}
		},
	}, "ledger")

	_, err := s.Replace(context.Background(), "42", "42", []byte(`{}`), "stale")
	assert.ErrorIs(t, err, common.ErrPreconditionFailed)

	_, err = s.Replace(context.Background(), "42", "42", []byte(`{}`), "")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDynamoDBGet(t *testing.T) {
	item := marshalItem(t, dynamoItem{PK: "42", ID: "42", Data: `{"id":"42"}`, ETag: "e1"})
	s := NewDynamoDBStore(&mockDynamoDBClient{
		getItemFunc: func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if params.Key["id"].(*dbtypes.AttributeValueMemberS).Value == "42" {
				return &dynamodb.GetItemOutput{Item: item}, nil
			}
			return &dynamodb.GetItemOutput{}, nil
		},
	}, "ledger")

	doc, err := s.Get(context.Background(), "42", "42")
	require.NoError(t, err)
	assert.Equal(t, "e1", doc.ETag)

	_, err = s.Get(context.Background(), "43", "43")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDynamoDBExecuteBatch_Canceled(t *testing.T) {
	var items []dbtypes.TransactWriteItem
	s := NewDynamoDBStore(&mockDynamoDBClient{
		transactFunc: func(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			items = params.TransactItems
			return nil, &dbtypes.TransactionCanceledException{CancellationReasons: []dbtypes.CancellationReason{
				{Code: aws.String("None")},
				{Code: aws.String("ConditionalCheckFailed")},
			}}
		},
	}, "ledger")

	_, err := s.ExecuteBatch(context.Background(), "7", []Operation{
		CreateOp("a", []byte(`{}`)),
		CreateOp("b", []byte(`{}`)),
	})
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Len(t, items, 2)
}

func TestDynamoDBQueryPage(t *testing.T) {
	pages := []*dynamodb.QueryOutput{
		{
			Items: []map[string]dbtypes.AttributeValue{
				marshalItem(t, dynamoItem{PK: "7", ID: "7", Data: `{"type":"deployment_metadata"}`}),
				marshalItem(t, dynamoItem{PK: "7", ID: "a", Data: `{"type":"file_hash","hash":"a"}`}),
			},
			LastEvaluatedKey: map[string]dbtypes.AttributeValue{"pk": &dbtypes.AttributeValueMemberS{Value: "7"}},
		},
		{
			Items: []map[string]dbtypes.AttributeValue{
				marshalItem(t, dynamoItem{PK: "7", ID: "b", Data: `{"type":"file_hash","hash":"b"}`}),
				marshalItem(t, dynamoItem{PK: "7", ID: "c", Data: `{"type":"file_hash","hash":"c"}`}),
			},
		},
	}
	calls := 0
	s := NewDynamoDBStore(&mockDynamoDBClient{
		queryFunc: func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			out := pages[calls]
			calls++
			return out, nil
		},
	}, "ledger")

	items, err := s.QueryPage(context.Background(), "7", Query{
		Fields: []string{"hash"},
		Filter: &Filter{Field: "type", Value: "file_hash"},
		Skip:   1,
		Take:   1,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"hash":"b"}`, string(items[0]))
	assert.Equal(t, 2, calls)
}

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/google/uuid"
)

// DynamoDBClient defines the DynamoDB operations used by the store.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoItem is the table row. The table key is (pk, id); the document is
// kept verbatim in data.
type dynamoItem struct {
	PK   string `dynamodbav:"pk"`
	ID   string `dynamodbav:"id"`
	Data string `dynamodbav:"data"`
	ETag string `dynamodbav:"etag"`
}

const (
	condNotExists = "attribute_not_exists(id)"
	condExists    = "attribute_exists(id)"
	condETag      = "attribute_exists(id) AND etag = :etag"
)

// DynamoDBStore keeps one collection in one DynamoDB table.
type DynamoDBStore struct {
	client DynamoDBClient
	table  string
}

func NewDynamoDBStore(client DynamoDBClient, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table}
}

func (s *DynamoDBStore) key(pk, id string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"pk": &dbtypes.AttributeValueMemberS{Value: pk},
		"id": &dbtypes.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoDBStore) Add(ctx context.Context, pk, id string, body []byte) (*Document, error) {
	res, err := s.ExecuteBatch(ctx, pk, []Operation{CreateOp(id, body)})
	if err != nil {
		return nil, unwrapSingle(err)
	}
	return s.written(pk, id, body, res[0].ETag)
}

func (s *DynamoDBStore) Get(ctx context.Context, pk, id string) (*Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(pk, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, dynamoError(err)
	}
	if out.Item == nil {
		return nil, common.ErrorNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamodb: unmarshal item: %w", err)
	}
	return &Document{ID: id, PartitionKey: pk, Body: json.RawMessage(item.Data), ETag: item.ETag}, nil
}

func (s *DynamoDBStore) Replace(ctx context.Context, pk, id string, body []byte, ifMatch string) (*Document, error) {
	res, err := s.ExecuteBatch(ctx, pk, []Operation{ReplaceOp(id, body, ifMatch)})
	if err != nil {
		return nil, unwrapSingle(err)
	}
	return s.written(pk, id, body, res[0].ETag)
}

func (s *DynamoDBStore) Delete(ctx context.Context, pk, id string) error {
	_, err := s.ExecuteBatch(ctx, pk, []Operation{DeleteOp(id)})
	return unwrapSingle(err)
}

func (s *DynamoDBStore) written(pk, id string, body []byte, etag string) (*Document, error) {
	stamped, err := stampBody(body, pk, id)
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, PartitionKey: pk, Body: stamped, ETag: etag}, nil
}

// ExecuteBatch runs a single operation as a plain conditional write and
// anything larger as one TransactWriteItems call.
func (s *DynamoDBStore) ExecuteBatch(ctx context.Context, pk string, ops []Operation) ([]OperationResult, error) {
	if err := validateBatch(ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return []OperationResult{}, nil
	}

	items := make([]dbtypes.TransactWriteItem, len(ops))
	results := make([]OperationResult, len(ops))
	for i, op := range ops {
		item, etag, err := s.transactItem(pk, op)
		if err != nil {
			return nil, &BatchError{Index: i, Op: op, Err: err}
		}
		items[i] = item
		results[i] = OperationResult{ID: op.ID, ETag: etag}
	}

	if len(ops) == 1 {
		if err := s.single(ctx, items[0]); err != nil {
			return nil, &BatchError{Index: 0, Op: ops[0], Err: conditionError(ops[0], err)}
		}
		return results, nil
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *dbtypes.TransactionCanceledException
		if errors.As(err, &canceled) {
			for i, reason := range canceled.CancellationReasons {
				code := aws.ToString(reason.Code)
				if code == "" || code == "None" {
					continue
				}
				if i >= len(ops) {
					break
				}
				return nil, &BatchError{Index: i, Op: ops[i], Err: reasonError(ops[i], code, reason.Item)}
			}
		}
		return nil, dynamoError(err)
	}
	return results, nil
}

func (s *DynamoDBStore) transactItem(pk string, op Operation) (dbtypes.TransactWriteItem, string, error) {
	switch op.Kind {
	case OpCreate, OpReplace:
		body, err := stampBody(op.Body, pk, op.ID)
		if err != nil {
			return dbtypes.TransactWriteItem{}, "", err
		}
		etag := uuid.NewString()
		av, err := attributevalue.MarshalMap(dynamoItem{PK: pk, ID: op.ID, Data: string(body), ETag: etag})
		if err != nil {
			return dbtypes.TransactWriteItem{}, "", fmt.Errorf("dynamodb: marshal item: %w", err)
		}
		put := &dbtypes.Put{
			TableName:                           aws.String(s.table),
			Item:                                av,
			ReturnValuesOnConditionCheckFailure: dbtypes.ReturnValuesOnConditionCheckFailureAllOld,
		}
		switch {
		case op.Kind == OpCreate:
			put.ConditionExpression = aws.String(condNotExists)
		case op.IfMatch != "":
			put.ConditionExpression = aws.String(condETag)
			put.ExpressionAttributeValues = map[string]dbtypes.AttributeValue{
				":etag": &dbtypes.AttributeValueMemberS{Value: op.IfMatch},
			}
		default:
			put.ConditionExpression = aws.String(condExists)
		}
		return dbtypes.TransactWriteItem{Put: put}, etag, nil
	case OpDelete:
		return dbtypes.TransactWriteItem{Delete: &dbtypes.Delete{
			TableName:           aws.String(s.table),
			Key:                 s.key(pk, op.ID),
			ConditionExpression: aws.String(condExists),
		}}, "", nil
	}
	return dbtypes.TransactWriteItem{}, "", fmt.Errorf("%w: unknown operation", common.ErrorValidation)
}

func (s *DynamoDBStore) single(ctx context.Context, item dbtypes.TransactWriteItem) error {
	if p := item.Put; p != nil {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                           p.TableName,
			Item:                                p.Item,
			ConditionExpression:                 p.ConditionExpression,
			ExpressionAttributeValues:           p.ExpressionAttributeValues,
			ReturnValuesOnConditionCheckFailure: dbtypes.ReturnValuesOnConditionCheckFailureAllOld,
		})
		return err
	}
	d := item.Delete
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           d.TableName,
		Key:                 d.Key,
		ConditionExpression: d.ConditionExpression,
	})
	return err
}

// conditionError maps the error of a single conditional write.
func conditionError(op Operation, err error) error {
	var failed *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return reasonError(op, "ConditionalCheckFailed", failed.Item)
	}
	return dynamoError(err)
}

// reasonError turns a failed condition into the store sentinel. old is the
// item as it was when the condition was evaluated, if it existed.
func reasonError(op Operation, code string, old map[string]dbtypes.AttributeValue) error {
	if code != "ConditionalCheckFailed" {
		return fmt.Errorf("%w: transaction canceled: %s", common.ErrTransport, code)
	}
	switch op.Kind {
	case OpCreate:
		return common.ErrConflict
	case OpReplace:
		if op.IfMatch != "" && len(old) > 0 {
			return common.ErrPreconditionFailed
		}
	}
	return common.ErrorNotFound
}

func dynamoError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: dynamodb: %w", common.ErrTransport, err)
}

// QueryPage reads the partition in id order. Filtering, skip and take are
// applied client-side while paging through the partition.
func (s *DynamoDBStore) QueryPage(ctx context.Context, pk string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	out := []json.RawMessage{}
	skipped := 0
	var startKey map[string]dbtypes.AttributeValue
	for {
		page, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
				":pk": &dbtypes.AttributeValueMemberS{Value: pk},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, dynamoError(err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("dynamodb: unmarshal items: %w", err)
		}
		for _, it := range items {
			ok, err := matches([]byte(it.Data), q.Filter)
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
			doc, err := project([]byte(it.Data), q.Fields)
			if err != nil {
				return nil, err
			}
			out = append(out, doc)
			if q.Take > 0 && len(out) == q.Take {
				return out, nil
			}
		}

		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

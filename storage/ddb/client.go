// Package ddb is the key-value adapter over DynamoDB. A generic Client
// carries the low-level operation surface (conditional writes, paginated
// consistent reads, chunked batch and transactional writes with an
// unprocessed-items backoff loop); the RootsTable and ProofsTable wrappers
// expose the two table schemas as typed records.
package ddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/qiao-yifan/merklytic-whitelist/log"
	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

const (
	// batchWriteSize is the DynamoDB cap on items per BatchWriteItem call.
	batchWriteSize = 25
	// batchStatementSize is the cap on statements per BatchExecuteStatement.
	batchStatementSize = 25
	// transactWriteSize is the cap on items per TransactWriteItems call.
	transactWriteSize = 100

	// DefaultMaxRetries bounds the unprocessed-items resubmission loop.
	DefaultMaxRetries = 3
	// retryBaseDelay is the first backoff step; attempt i sleeps
	// retryBaseDelay << i before resubmitting.
	retryBaseDelay = 10 * time.Millisecond
)

// errUnprocessed signals that a batch write round left items unprocessed.
var errUnprocessed = errors.New("ddb: unprocessed items remain")

// Item is a raw DynamoDB item.
type Item = map[string]types.AttributeValue

// API is the slice of the DynamoDB client the adapter uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	BatchExecuteStatement(ctx context.Context, in *dynamodb.BatchExecuteStatementInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchExecuteStatementOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps an API with the adapter's consistency, chunking and retry
// policies. All reads are strongly consistent.
type Client struct {
	api       API
	logger    *log.Logger
	baseDelay time.Duration
}

// NewClient creates a Client. A nil logger falls back to the default.
func NewClient(api API, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{api: api, logger: logger.Module("ddb"), baseDelay: retryBaseDelay}
}

// GetItem reads one item with consistent-read semantics. A missing item
// returns (nil, nil).
func (c *Client) GetItem(ctx context.Context, table string, key Item) (Item, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storage.ClassifyProviderError(err, fmt.Sprintf("get item from %s", table))
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// PutItem writes one item. A non-empty condition expression makes the write
// conditional; named attribute values feed the expression.
func (c *Client) PutItem(ctx context.Context, table string, item Item, condition string, attrValues Item) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}
	if condition != "" {
		in.ConditionExpression = aws.String(condition)
		if len(attrValues) > 0 {
			in.ExpressionAttributeValues = attrValues
		}
	}
	if _, err := c.api.PutItem(ctx, in); err != nil {
		return storage.ClassifyProviderError(err, fmt.Sprintf("put item into %s", table))
	}
	return nil
}

// DeleteItem removes one item unconditionally. Deleting a missing item is
// not an error.
func (c *Client) DeleteItem(ctx context.Context, table string, key Item) error {
	if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       key,
	}); err != nil {
		return storage.ClassifyProviderError(err, fmt.Sprintf("delete item from %s", table))
	}
	return nil
}

// PaginatedQuery returns every item under the given partition key, walking
// all pages with consistent reads.
func (c *Client) PaginatedQuery(ctx context.Context, table, pkName, pkValue string) ([]Item, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": pkName,
		},
		ExpressionAttributeValues: Item{
			":pk": &types.AttributeValueMemberS{Value: pkValue},
		},
		ConsistentRead: aws.Bool(true),
	}
	var items []Item
	p := dynamodb.NewQueryPaginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storage.ClassifyProviderError(err, fmt.Sprintf("query %s", table))
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// Scan returns a single page of up to pageSize items with the key of the
// last evaluated item, or nil when the scan is exhausted. An optional
// projection limits the returned attributes.
func (c *Client) Scan(ctx context.Context, table string, pageSize int32, startKey Item, projection string) ([]Item, Item, error) {
	in := &dynamodb.ScanInput{
		TableName:      aws.String(table),
		Limit:          aws.Int32(pageSize),
		ConsistentRead: aws.Bool(true),
	}
	if len(startKey) > 0 {
		in.ExclusiveStartKey = startKey
	}
	if projection != "" {
		in.ProjectionExpression = aws.String(projection)
	}
	out, err := c.api.Scan(ctx, in)
	if err != nil {
		return nil, nil, storage.ClassifyProviderError(err, fmt.Sprintf("scan %s", table))
	}
	return out.Items, out.LastEvaluatedKey, nil
}

// BatchPutWrite writes items in chunks of 25, resubmitting unprocessed
// items with exponential backoff. maxRetries < 0 selects the default.
func (c *Client) BatchPutWrite(ctx context.Context, table string, items []Item, maxRetries int) error {
	reqs := make([]types.WriteRequest, len(items))
	for i, it := range items {
		reqs[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: it}}
	}
	return c.batchWrite(ctx, table, reqs, maxRetries)
}

// BatchDeleteWrite deletes items by key in chunks of 25, with the same
// unprocessed-items policy as BatchPutWrite.
func (c *Client) BatchDeleteWrite(ctx context.Context, table string, keys []Item, maxRetries int) error {
	reqs := make([]types.WriteRequest, len(keys))
	for i, k := range keys {
		reqs[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}}
	}
	return c.batchWrite(ctx, table, reqs, maxRetries)
}

// batchWrite executes write requests chunk by chunk. Each chunk loops until
// DynamoDB reports no unprocessed items; attempt i sleeps baseDelay << i
// first. Exhausting the retries surfaces an InternalError naming the number
// of items left behind rather than dropping them silently.
func (c *Client) batchWrite(ctx context.Context, table string, reqs []types.WriteRequest, maxRetries int) error {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	for start := 0; start < len(reqs); start += batchWriteSize {
		end := min(start+batchWriteSize, len(reqs))
		pending := reqs[start:end]

		err := retry.Do(
			func() error {
				out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
					RequestItems: map[string][]types.WriteRequest{table: pending},
				})
				if err != nil {
					return retry.Unrecoverable(storage.ClassifyProviderError(err, fmt.Sprintf("batch write %s", table)))
				}
				left := out.UnprocessedItems[table]
				if len(left) == 0 {
					return nil
				}
				c.logger.Warn("batch write left unprocessed items", "table", table, "count", len(left))
				pending = left
				return errUnprocessed
			},
			retry.Attempts(uint(maxRetries)+1),
			retry.Delay(c.baseDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if errors.Is(err, errUnprocessed) {
			return storage.NewError(storage.KindInternalError,
				"batch write to %s: %d items unprocessed after %d retries", table, len(pending), maxRetries)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// BatchInsertViaStatement bulk-inserts items through PartiQL INSERT
// statements in chunks of 25. Unlike BatchPutWrite, inserting over an
// existing key fails that statement with a duplicate-item error.
func (c *Client) BatchInsertViaStatement(ctx context.Context, table string, items []Item) error {
	stmt := fmt.Sprintf("INSERT INTO %q VALUE ?", table)
	for start := 0; start < len(items); start += batchStatementSize {
		end := min(start+batchStatementSize, len(items))
		chunk := items[start:end]

		stmts := make([]types.BatchStatementRequest, len(chunk))
		for i, it := range chunk {
			stmts[i] = types.BatchStatementRequest{
				Statement:  aws.String(stmt),
				Parameters: []types.AttributeValue{&types.AttributeValueMemberM{Value: it}},
			}
		}
		out, err := c.api.BatchExecuteStatement(ctx, &dynamodb.BatchExecuteStatementInput{
			Statements: stmts,
		})
		if err != nil {
			return storage.ClassifyProviderError(err, fmt.Sprintf("batch statement insert %s", table))
		}
		for i, resp := range out.Responses {
			if resp.Error == nil {
				continue
			}
			kind := storage.KindOther
			switch resp.Error.Code {
			case types.BatchStatementErrorCodeEnumDuplicateItem,
				types.BatchStatementErrorCodeEnumConditionalCheckFailed:
				kind = storage.KindConditionalCheckFailed
			case types.BatchStatementErrorCodeEnumProvisionedThroughputExceeded,
				types.BatchStatementErrorCodeEnumThrottlingError,
				types.BatchStatementErrorCodeEnumRequestLimitExceeded:
				kind = storage.KindThrottled
			case types.BatchStatementErrorCodeEnumTransactionConflict:
				kind = storage.KindConflict
			case types.BatchStatementErrorCodeEnumInternalServerError:
				kind = storage.KindInternalError
			case types.BatchStatementErrorCodeEnumResourceNotFound:
				kind = storage.KindResourceNotFound
			case types.BatchStatementErrorCodeEnumAccessDenied:
				return storage.NewError(storage.KindAccessDenied, "Access denied")
			}
			return storage.NewError(kind, "batch statement insert %s: statement %d: %s",
				table, start+i, aws.ToString(resp.Error.Message))
		}
	}
	return nil
}

// TransactInsertWrite inserts items transactionally in chunks of 100, each
// item guarded against overwriting an existing partition key.
func (c *Client) TransactInsertWrite(ctx context.Context, table, pkName string, items []Item) error {
	for start := 0; start < len(items); start += transactWriteSize {
		end := min(start+transactWriteSize, len(items))
		chunk := items[start:end]

		writes := make([]types.TransactWriteItem, len(chunk))
		for i, it := range chunk {
			writes[i] = types.TransactWriteItem{
				Put: &types.Put{
					TableName:           aws.String(table),
					Item:                it,
					ConditionExpression: aws.String(fmt.Sprintf("attribute_not_exists(%s)", pkName)),
				},
			}
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: writes,
		}); err != nil {
			return storage.ClassifyProviderError(err, fmt.Sprintf("transact insert %s", table))
		}
	}
	return nil
}

// TransactDeleteWrite deletes items by key transactionally in chunks of 100.
func (c *Client) TransactDeleteWrite(ctx context.Context, table string, keys []Item) error {
	for start := 0; start < len(keys); start += transactWriteSize {
		end := min(start+transactWriteSize, len(keys))
		chunk := keys[start:end]

		writes := make([]types.TransactWriteItem, len(chunk))
		for i, k := range chunk {
			writes[i] = types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(table),
					Key:       k,
				},
			}
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: writes,
		}); err != nil {
			return storage.ClassifyProviderError(err, fmt.Sprintf("transact delete %s", table))
		}
	}
	return nil
}

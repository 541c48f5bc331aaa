package ddb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// fakeDynamo is an in-memory DynamoDB good enough for the adapter: it
// stores items per table, understands the two condition shapes the adapter
// emits (attribute_not_exists and root+status pinning) and supports
// limit/start-key scans. Hooks let tests inject unprocessed items and
// provider errors.
type fakeDynamo struct {
	mu sync.Mutex

	// keyAttrs lists the key attribute names per table, partition key first.
	keyAttrs map[string][]string
	tables   map[string]map[string]Item

	batchCalls     []int
	batchHook      func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
	stmtCalls      []int
	stmtHook       func(call int, in *dynamodb.BatchExecuteStatementInput) (*dynamodb.BatchExecuteStatementOutput, error)
	transactCalls  []int
	lastGetInput   *dynamodb.GetItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		keyAttrs: map[string][]string{
			"roots":  {attrName},
			"proofs": {attrName, attrAddress},
		},
		tables: map[string]map[string]Item{
			"roots":  {},
			"proofs": {},
		},
	}
}

func avString(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) itemKey(table string, item Item) string {
	parts := make([]string, 0, 2)
	for _, attr := range f.keyAttrs[table] {
		parts = append(parts, avString(item[attr]))
	}
	return strings.Join(parts, "|")
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGetInput = in
	table := aws.ToString(in.TableName)
	item := f.tables[table][f.itemKey(table, in.Key)]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

// checkCondition evaluates the two condition shapes used by the adapter.
func (f *fakeDynamo) checkCondition(existing Item, cond string, values Item) bool {
	if strings.HasPrefix(cond, "attribute_not_exists(") {
		return existing == nil
	}
	// Root+status pinning: existing row must match :root and one of :sN.
	if existing == nil {
		return false
	}
	if avString(existing[attrRoot]) != avString(values[":root"]) {
		return false
	}
	status := avString(existing[attrStatus])
	for ph, v := range values {
		if strings.HasPrefix(ph, ":s") && avString(v) == status {
			return true
		}
	}
	return false
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(in.TableName)
	key := f.itemKey(table, in.Item)
	if in.ConditionExpression != nil {
		existing := f.tables[table][key]
		if !f.checkCondition(existing, aws.ToString(in.ConditionExpression), in.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	f.tables[table][key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(in.TableName)
	delete(f.tables[table], f.itemKey(table, in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) sortedKeys(table string) []string {
	keys := make([]string, 0, len(f.tables[table]))
	for k := range f.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(in.TableName)
	pk := avString(in.ExpressionAttributeValues[":pk"])
	var items []Item
	for _, k := range f.sortedKeys(table) {
		if strings.HasPrefix(k, pk+"|") || k == pk {
			items = append(items, f.tables[table][k])
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(in.TableName)
	keys := f.sortedKeys(table)

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		after := f.itemKey(table, in.ExclusiveStartKey)
		for i, k := range keys {
			if k > after {
				start = i
				break
			}
			start = i + 1
		}
	}

	limit := len(keys)
	if in.Limit != nil {
		limit = int(aws.ToInt32(in.Limit))
	}

	out := &dynamodb.ScanOutput{}
	end := min(start+limit, len(keys))
	for _, k := range keys[start:end] {
		item := f.tables[table][k]
		if proj := aws.ToString(in.ProjectionExpression); proj != "" {
			projected := Item{}
			for _, attr := range strings.Split(proj, ",") {
				attr = strings.TrimSpace(attr)
				if v, ok := item[attr]; ok {
					projected[attr] = v
				}
			}
			item = projected
		}
		out.Items = append(out.Items, item)
	}
	if end < len(keys) && end > start {
		last := f.tables[table][keys[end-1]]
		lek := Item{}
		for _, attr := range f.keyAttrs[table] {
			lek[attr] = last[attr]
		}
		out.LastEvaluatedKey = lek
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	call := len(f.batchCalls)
	for _, reqs := range in.RequestItems {
		f.batchCalls = append(f.batchCalls, len(reqs))
	}
	hook := f.batchHook
	f.mu.Unlock()

	if hook != nil {
		if out, err := hook(call, in); out != nil || err != nil {
			return out, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for table, reqs := range in.RequestItems {
		for _, req := range reqs {
			switch {
			case req.PutRequest != nil:
				f.tables[table][f.itemKey(table, req.PutRequest.Item)] = req.PutRequest.Item
			case req.DeleteRequest != nil:
				delete(f.tables[table], f.itemKey(table, req.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) BatchExecuteStatement(ctx context.Context, in *dynamodb.BatchExecuteStatementInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchExecuteStatementOutput, error) {
	f.mu.Lock()
	call := len(f.stmtCalls)
	f.stmtCalls = append(f.stmtCalls, len(in.Statements))
	hook := f.stmtHook
	f.mu.Unlock()

	if hook != nil {
		if out, err := hook(call, in); out != nil || err != nil {
			return out, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchExecuteStatementOutput{}
	for _, stmt := range in.Statements {
		// Statement shape: INSERT INTO "table" VALUE ?
		table := strings.Trim(strings.Fields(aws.ToString(stmt.Statement))[2], `"`)
		item := stmt.Parameters[0].(*types.AttributeValueMemberM).Value
		key := f.itemKey(table, item)
		resp := types.BatchStatementResponse{TableName: aws.String(table)}
		if _, exists := f.tables[table][key]; exists {
			resp.Error = &types.BatchStatementError{
				Code:    types.BatchStatementErrorCodeEnumDuplicateItem,
				Message: aws.String(fmt.Sprintf("duplicate key %s", key)),
			}
		} else {
			f.tables[table][key] = item
		}
		out.Responses = append(out.Responses, resp)
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactCalls = append(f.transactCalls, len(in.TransactItems))

	// All-or-nothing: check every condition before applying anything.
	for _, w := range in.TransactItems {
		if w.Put != nil && w.Put.ConditionExpression != nil {
			table := aws.ToString(w.Put.TableName)
			if _, exists := f.tables[table][f.itemKey(table, w.Put.Item)]; exists {
				return nil, &types.TransactionCanceledException{Message: aws.String("conditional check failed")}
			}
		}
	}
	for _, w := range in.TransactItems {
		switch {
		case w.Put != nil:
			table := aws.ToString(w.Put.TableName)
			f.tables[table][f.itemKey(table, w.Put.Item)] = w.Put.Item
		case w.Delete != nil:
			table := aws.ToString(w.Delete.TableName)
			delete(f.tables[table], f.itemKey(table, w.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// throttleErr builds a provider throttling error.
func throttleErr() error {
	return &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Message: "slow down"}
}

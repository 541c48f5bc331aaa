package ddb

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

const (
	// attrName is the roots-table partition key (and the proofs-table one).
	attrName = "WhitelistName"
	// attrRoot holds the hex tree root on a roots-table row.
	attrRoot = "MerkleRoot"
	// attrStatus holds the lifecycle status on a roots-table row.
	attrStatus = "WhitelistStatus"
)

// RootsTable is the typed view of the Merkle-root table. Every
// status-changing write is a conditional write pinning both the expected
// status and the expected root, which is what linearizes concurrent
// lifecycle operations on one whitelist name.
type RootsTable struct {
	client *Client
	table  string
}

// NewRootsTable binds a Client to the named roots table.
func NewRootsTable(client *Client, table string) *RootsTable {
	return &RootsTable{client: client, table: table}
}

func rootKey(name string) Item {
	return Item{attrName: &types.AttributeValueMemberS{Value: name}}
}

// Get returns the root record for the name, or nil when no row exists.
func (r *RootsTable) Get(ctx context.Context, name string) (*storage.RootRecord, error) {
	item, err := r.client.GetItem(ctx, r.table, rootKey(name))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	var rec storage.RootRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, storage.WrapError(storage.KindOther, err, "unmarshal root record %q", name)
	}
	return &rec, nil
}

// InsertCreating writes the initial (name, root, CREATING) row. The write
// is insert-only: a pre-existing row for the name fails with
// ConditionalCheckFailed.
func (r *RootsTable) InsertCreating(ctx context.Context, name, root string) error {
	item, err := attributevalue.MarshalMap(storage.RootRecord{
		WhitelistName:   name,
		MerkleRoot:      root,
		WhitelistStatus: storage.StatusCreating,
	})
	if err != nil {
		return storage.WrapError(storage.KindOther, err, "marshal root record %q", name)
	}
	return r.client.PutItem(ctx, r.table, item,
		fmt.Sprintf("attribute_not_exists(%s)", attrName), nil)
}

// UpdateStatus moves the row to the target status, conditional on the row
// still carrying the expected root and one of the expected source statuses.
// Losing that race surfaces as ConditionalCheckFailed.
func (r *RootsTable) UpdateStatus(ctx context.Context, name, root string, from []storage.Status, to storage.Status) error {
	item, err := attributevalue.MarshalMap(storage.RootRecord{
		WhitelistName:   name,
		MerkleRoot:      root,
		WhitelistStatus: to,
	})
	if err != nil {
		return storage.WrapError(storage.KindOther, err, "marshal root record %q", name)
	}

	conds := make([]string, len(from))
	values := Item{":root": &types.AttributeValueMemberS{Value: root}}
	for i, s := range from {
		ph := fmt.Sprintf(":s%d", i)
		conds[i] = fmt.Sprintf("%s = %s", attrStatus, ph)
		values[ph] = &types.AttributeValueMemberS{Value: string(s)}
	}
	condition := fmt.Sprintf("%s = :root AND (%s)", attrRoot, strings.Join(conds, " OR "))
	return r.client.PutItem(ctx, r.table, item, condition, values)
}

// Delete removes the row unconditionally.
func (r *RootsTable) Delete(ctx context.Context, name string) error {
	return r.client.DeleteItem(ctx, r.table, rootKey(name))
}

// startKeyFromToken rebuilds the scan cursor from the opaque continuation
// token, which is the whitelist name of the last row of the previous page.
func startKeyFromToken(token string) Item {
	if token == "" {
		return nil
	}
	return rootKey(token)
}

// tokenFromLastKey derives the continuation token from the last evaluated
// scan key. Empty when the scan is exhausted.
func tokenFromLastKey(lastKey Item) string {
	if v, ok := lastKey[attrName].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Page returns one scan page of full root records plus the continuation
// token for the next page.
func (r *RootsTable) Page(ctx context.Context, pageSize int32, startToken string) ([]storage.RootRecord, string, error) {
	items, lastKey, err := r.client.Scan(ctx, r.table, pageSize, startKeyFromToken(startToken), "")
	if err != nil {
		return nil, "", err
	}
	recs := make([]storage.RootRecord, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, "", storage.WrapError(storage.KindOther, err, "unmarshal root records")
	}
	return recs, tokenFromLastKey(lastKey), nil
}

// NamesPage is Page projected down to whitelist names only. It backs the
// anonymous tree catalog.
func (r *RootsTable) NamesPage(ctx context.Context, pageSize int32, startToken string) ([]storage.TreeRecord, string, error) {
	items, lastKey, err := r.client.Scan(ctx, r.table, pageSize, startKeyFromToken(startToken), attrName)
	if err != nil {
		return nil, "", err
	}
	recs := make([]storage.TreeRecord, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, "", storage.WrapError(storage.KindOther, err, "unmarshal tree records")
	}
	return recs, tokenFromLastKey(lastKey), nil
}

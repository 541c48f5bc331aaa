package ddb

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

// attrAddress is the proofs-table sort key.
const attrAddress = "WhitelistAddress"

// ProofsTable is the typed view of the Merkle-proof table, keyed by
// (whitelist name, checksummed address).
type ProofsTable struct {
	client *Client
	table  string
}

// NewProofsTable binds a Client to the named proofs table.
func NewProofsTable(client *Client, table string) *ProofsTable {
	return &ProofsTable{client: client, table: table}
}

func proofKey(name, address string) Item {
	return Item{
		attrName:    &types.AttributeValueMemberS{Value: name},
		attrAddress: &types.AttributeValueMemberS{Value: address},
	}
}

// Get returns the proof record for (name, address), or nil when absent.
// The address must already be in its checksummed form.
func (p *ProofsTable) Get(ctx context.Context, name, address string) (*storage.ProofRecord, error) {
	item, err := p.client.GetItem(ctx, p.table, proofKey(name, address))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	var rec storage.ProofRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, storage.WrapError(storage.KindOther, err, "unmarshal proof record %q/%q", name, address)
	}
	return &rec, nil
}

// QueryAll returns every proof row for the name, in sort-key order across
// however many pages the query takes.
func (p *ProofsTable) QueryAll(ctx context.Context, name string) ([]storage.ProofRecord, error) {
	items, err := p.client.PaginatedQuery(ctx, p.table, attrName, name)
	if err != nil {
		return nil, err
	}
	recs := make([]storage.ProofRecord, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, storage.WrapError(storage.KindOther, err, "unmarshal proof records for %q", name)
	}
	return recs, nil
}

// BatchPut writes the proof rows in chunks of 25 with the adapter's
// unprocessed-items retry policy.
func (p *ProofsTable) BatchPut(ctx context.Context, recs []storage.ProofRecord) error {
	items := make([]Item, len(recs))
	for i, rec := range recs {
		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return storage.WrapError(storage.KindOther, err, "marshal proof record %q/%q", rec.WhitelistName, rec.WhitelistAddress)
		}
		items[i] = item
	}
	return p.client.BatchPutWrite(ctx, p.table, items, DefaultMaxRetries)
}

// BatchDelete removes the rows for the given addresses in chunks of 25.
func (p *ProofsTable) BatchDelete(ctx context.Context, name string, addresses []string) error {
	keys := make([]Item, len(addresses))
	for i, addr := range addresses {
		keys[i] = proofKey(name, addr)
	}
	return p.client.BatchDeleteWrite(ctx, p.table, keys, DefaultMaxRetries)
}

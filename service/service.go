// Package service implements the whitelist tree lifecycle and the read
// path. The roots-table row for a name is a single-writer state machine
//
//	absent -> CREATING -> COMPLETED | FAILED -> DELETING -> absent
//
// and every status-changing write is a conditional write pinning the
// expected root and prior status, so concurrent lifecycle operations on one
// name linearize on the KV's conditional-write primitive. Because no
// transaction spans the object store and the KV, and proof sets exceed any
// transactional cap, partial failures are handled with compensating status
// transitions rather than rollbacks.
package service

import (
	"context"
	"time"

	"github.com/qiao-yifan/merklytic-whitelist/log"
	"github.com/qiao-yifan/merklytic-whitelist/merkle"
	"github.com/qiao-yifan/merklytic-whitelist/storage"
	"github.com/qiao-yifan/merklytic-whitelist/whitelist"
)

const (
	// csvContentType is the stored content type of whitelist objects.
	csvContentType = "text/csv"

	// MinPageSize and MaxPageSize bound catalog pagination.
	MinPageSize = 1
	MaxPageSize = 1000

	// defaultStepTimeout caps each I/O phase of a lifecycle operation
	// (CSV fetch, each bulk write, each status flip).
	defaultStepTimeout = 60 * time.Second
)

// ObjectStore is the slice of the object-store adapter the service uses.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string, allowOverwrite bool) error
	Delete(ctx context.Context, key string) error
}

// RootStore is the typed roots-table surface.
type RootStore interface {
	Get(ctx context.Context, name string) (*storage.RootRecord, error)
	InsertCreating(ctx context.Context, name, root string) error
	UpdateStatus(ctx context.Context, name, root string, from []storage.Status, to storage.Status) error
	Delete(ctx context.Context, name string) error
	Page(ctx context.Context, pageSize int32, startToken string) ([]storage.RootRecord, string, error)
	NamesPage(ctx context.Context, pageSize int32, startToken string) ([]storage.TreeRecord, string, error)
}

// ProofStore is the typed proofs-table surface.
type ProofStore interface {
	Get(ctx context.Context, name, address string) (*storage.ProofRecord, error)
	QueryAll(ctx context.Context, name string) ([]storage.ProofRecord, error)
	BatchPut(ctx context.Context, recs []storage.ProofRecord) error
	BatchDelete(ctx context.Context, name string, addresses []string) error
}

// Service wires the three stores into the lifecycle and read operations.
type Service struct {
	objects ObjectStore
	roots   RootStore
	proofs  ProofStore
	logger  *log.Logger

	stepTimeout time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithStepTimeout overrides the per-step deadline.
func WithStepTimeout(d time.Duration) Option {
	return func(s *Service) { s.stepTimeout = d }
}

// New creates a Service. A nil logger falls back to the default.
func New(objects ObjectStore, roots RootStore, proofs ProofStore, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		objects:     objects,
		roots:       roots,
		proofs:      proofs,
		logger:      logger.Module("service"),
		stepTimeout: defaultStepTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// csvKey maps a whitelist name to its object key.
func csvKey(name string) string { return name + ".csv" }

// step runs fn under the per-step deadline.
func (s *Service) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	return fn(ctx)
}

// UploadWhitelist validates the CSV through the full input gate and stores
// it. allowOverwrite=false refuses to replace an existing whitelist with
// different content.
func (s *Service) UploadWhitelist(ctx context.Context, name string, csvData []byte, allowOverwrite bool) error {
	if err := whitelist.ValidateName(name); err != nil {
		return err
	}
	if _, err := whitelist.ParseCSV(csvData); err != nil {
		return err
	}
	return s.step(ctx, func(ctx context.Context) error {
		return s.objects.Put(ctx, csvKey(name), csvData, csvContentType, allowOverwrite)
	})
}

// DeleteWhitelist removes the stored CSV. It refuses while a roots-table
// row exists in any status: the tree must be deleted first.
func (s *Service) DeleteWhitelist(ctx context.Context, name string) error {
	if err := whitelist.ValidateName(name); err != nil {
		return err
	}
	rec, err := s.roots.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec != nil {
		return storage.NewError(storage.KindValidation, "merkle tree exists for whitelist %q", name)
	}
	return s.step(ctx, func(ctx context.Context) error {
		return s.objects.Delete(ctx, csvKey(name))
	})
}

// CreateMerkleTree builds the tree for an uploaded whitelist and publishes
// it through the CREATING -> COMPLETED protocol:
//
//  1. fetch and validate the CSV, build root and proofs;
//  2. insert the (name, root, CREATING) row, insert-only;
//  3. bulk-insert the proof rows in chunks;
//  4. flip the row to COMPLETED.
//
// A step-3 failure triggers the compensating CREATING -> FAILED flip and
// surfaces the original error. A concurrent create on the same name loses
// step 2 with ConditionalCheckFailed.
func (s *Service) CreateMerkleTree(ctx context.Context, name string) (*storage.RootRecord, error) {
	if err := whitelist.ValidateName(name); err != nil {
		return nil, err
	}

	var csvData []byte
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		csvData, err = s.objects.Get(ctx, csvKey(name))
		return err
	})
	if err != nil {
		if storage.IsKind(err, storage.KindResourceNotFound) {
			return nil, storage.NewError(storage.KindValidation, "whitelist %q not found", name)
		}
		return nil, err
	}

	entries, err := whitelist.ParseCSV(csvData)
	if err != nil {
		return nil, err
	}
	leaves := make([]merkle.Entry, len(entries))
	for i, e := range entries {
		leaves[i] = merkle.Entry{Address: e.Address, AmountWei: e.AmountWei}
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	root := tree.Root().Hex()

	recs := make([]storage.ProofRecord, len(entries))
	for i, e := range entries {
		proof, _ := tree.Proof(e.Address)
		recs[i] = storage.ProofRecord{
			WhitelistName:      name,
			WhitelistAddress:   e.Address.Hex(),
			WhitelistAmountWei: e.AmountWei.Dec(),
			MerkleProof:        merkle.ProofString(proof),
		}
	}

	if err := s.step(ctx, func(ctx context.Context) error {
		return s.roots.InsertCreating(ctx, name, root)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("merkle tree creating", "whitelist", name, "root", root, "leaves", len(recs))

	if err := s.step(ctx, func(ctx context.Context) error {
		return s.proofs.BatchPut(ctx, recs)
	}); err != nil {
		s.compensate(ctx, name, root, storage.StatusCreating)
		return nil, err
	}

	if err := s.step(ctx, func(ctx context.Context) error {
		return s.roots.UpdateStatus(ctx, name, root, []storage.Status{storage.StatusCreating}, storage.StatusCompleted)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("merkle tree completed", "whitelist", name, "root", root)

	return &storage.RootRecord{
		WhitelistName:   name,
		MerkleRoot:      root,
		WhitelistStatus: storage.StatusCompleted,
	}, nil
}

// DeleteMerkleTree tears a tree down through the DELETING protocol:
//
//  1. the row must exist in COMPLETED or FAILED;
//  2. flip it to DELETING, pinned on root and prior status;
//  3. enumerate and bulk-delete the proof rows, then delete the row.
//
// A step-3 failure triggers the compensating DELETING -> FAILED flip so a
// later delete can retry, and surfaces the original error.
func (s *Service) DeleteMerkleTree(ctx context.Context, name string) error {
	if err := whitelist.ValidateName(name); err != nil {
		return err
	}
	rec, err := s.roots.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return storage.NewError(storage.KindValidation, "no merkle tree for whitelist %q", name)
	}
	if rec.WhitelistStatus == storage.StatusCreating || rec.WhitelistStatus == storage.StatusDeleting {
		return storage.NewError(storage.KindValidation, "merkle tree for %q is %s and cannot be deleted", name, rec.WhitelistStatus)
	}

	root := rec.MerkleRoot
	if err := s.step(ctx, func(ctx context.Context) error {
		return s.roots.UpdateStatus(ctx, name, root,
			[]storage.Status{storage.StatusCompleted, storage.StatusFailed}, storage.StatusDeleting)
	}); err != nil {
		return err
	}
	s.logger.Info("merkle tree deleting", "whitelist", name, "root", root)

	err = s.step(ctx, func(ctx context.Context) error {
		recs, err := s.proofs.QueryAll(ctx, name)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			addrs := make([]string, len(recs))
			for i, r := range recs {
				addrs[i] = r.WhitelistAddress
			}
			if err := s.proofs.BatchDelete(ctx, name, addrs); err != nil {
				return err
			}
		}
		return s.roots.Delete(ctx, name)
	})
	if err != nil {
		s.compensate(ctx, name, root, storage.StatusDeleting)
		return err
	}
	s.logger.Info("merkle tree deleted", "whitelist", name)
	return nil
}

// compensate flips a half-finished row to FAILED. Its own failure is logged
// and swallowed so the original error stays visible; the row is then stuck
// in its phase status until an operator forces it (see ForceFail).
func (s *Service) compensate(ctx context.Context, name, root string, from storage.Status) {
	err := s.step(ctx, func(ctx context.Context) error {
		return s.roots.UpdateStatus(ctx, name, root, []storage.Status{from}, storage.StatusFailed)
	})
	if err != nil {
		s.logger.Error("compensating transition failed; row stuck",
			"whitelist", name, "root", root, "from", from, "err", err)
		return
	}
	s.logger.Warn("merkle tree marked failed", "whitelist", name, "root", root, "from", from)
}

// ForceFail is the operator repair for rows stranded in CREATING or
// DELETING by a crash or a failed compensating write. The resulting FAILED
// row is eligible for DeleteMerkleTree.
func (s *Service) ForceFail(ctx context.Context, name string) error {
	if err := whitelist.ValidateName(name); err != nil {
		return err
	}
	rec, err := s.roots.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return storage.NewError(storage.KindValidation, "no merkle tree for whitelist %q", name)
	}
	if rec.WhitelistStatus != storage.StatusCreating && rec.WhitelistStatus != storage.StatusDeleting {
		return storage.NewError(storage.KindValidation, "merkle tree for %q is %s, not stuck", name, rec.WhitelistStatus)
	}
	return s.roots.UpdateStatus(ctx, name, rec.MerkleRoot,
		[]storage.Status{rec.WhitelistStatus}, storage.StatusFailed)
}

// GetMerkleRoot returns the root row for a name. Absent rows surface as
// ResourceNotFound; status gating is left to the caller.
func (s *Service) GetMerkleRoot(ctx context.Context, name string) (*storage.RootRecord, error) {
	if err := whitelist.ValidateName(name); err != nil {
		return nil, err
	}
	rec, err := s.roots.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.NewError(storage.KindResourceNotFound, "no merkle root for whitelist %q", name)
	}
	return rec, nil
}

// readableRoot loads the root row and requires COMPLETED status.
func (s *Service) readableRoot(ctx context.Context, name string) (*storage.RootRecord, error) {
	rec, err := s.roots.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.NewError(storage.KindValidation, "no merkle tree for whitelist %q", name)
	}
	if rec.WhitelistStatus != storage.StatusCompleted {
		return nil, storage.NewError(storage.KindValidation, "merkle tree for %q is not ready", name)
	}
	return rec, nil
}

// GetMerkleProof returns the proof record for (name, address). The address
// is canonicalized to its checksummed form before the lookup, so any casing
// that passes the checksum rules resolves to the same record.
func (s *Service) GetMerkleProof(ctx context.Context, name, address string) (*storage.ProofRecord, error) {
	if err := whitelist.ValidateName(name); err != nil {
		return nil, err
	}
	addr, err := whitelist.ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	if _, err := s.readableRoot(ctx, name); err != nil {
		return nil, err
	}
	rec, err := s.proofs.Get(ctx, name, addr.Hex())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.NewError(storage.KindResourceNotFound, "address %s is not in whitelist %q", addr.Hex(), name)
	}
	return rec, nil
}

// GetMerkleProofs returns every proof row of a COMPLETED tree.
func (s *Service) GetMerkleProofs(ctx context.Context, name string) ([]storage.ProofRecord, error) {
	if err := whitelist.ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := s.readableRoot(ctx, name); err != nil {
		return nil, err
	}
	return s.proofs.QueryAll(ctx, name)
}

// validatePage checks the pagination inputs shared by the catalog reads.
func validatePage(pageSize int32, startToken string) error {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return storage.NewError(storage.KindValidation, "page size must be %d-%d, got %d", MinPageSize, MaxPageSize, pageSize)
	}
	if startToken != "" {
		return whitelist.ValidateName(startToken)
	}
	return nil
}

// GetMerkleRoots returns one page of full root records with a continuation
// token, empty when the catalog is exhausted.
func (s *Service) GetMerkleRoots(ctx context.Context, pageSize int32, startToken string) ([]storage.RootRecord, string, error) {
	if err := validatePage(pageSize, startToken); err != nil {
		return nil, "", err
	}
	return s.roots.Page(ctx, pageSize, startToken)
}

// GetMerkleTrees returns one page of whitelist names only. This projection
// carries no roots or statuses and is safe for anonymous callers.
func (s *Service) GetMerkleTrees(ctx context.Context, pageSize int32, startToken string) ([]storage.TreeRecord, string, error) {
	if err := validatePage(pageSize, startToken); err != nil {
		return nil, "", err
	}
	return s.roots.NamesPage(ctx, pageSize, startToken)
}

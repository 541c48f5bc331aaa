package storage

// Status is the lifecycle state of a whitelist's Merkle tree, recorded on
// the roots-table row. The orchestrator is the only writer of this field.
type Status string

const (
	// StatusCreating marks a tree whose proof rows are still being written.
	StatusCreating Status = "CREATING"
	// StatusCompleted marks a fully constructed, readable tree.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a tree whose construction or deletion failed.
	// Failed trees are only eligible for deletion.
	StatusFailed Status = "FAILED"
	// StatusDeleting marks a tree whose proof rows are being removed.
	StatusDeleting Status = "DELETING"
)

// Valid reports whether s is one of the four defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusCompleted, StatusFailed, StatusDeleting:
		return true
	}
	return false
}

// RootRecord is a row of the roots table, keyed by whitelist name. At most
// one row exists per name while a tree exists. MerkleRoot never changes
// after the initial insert; later writes only move WhitelistStatus.
type RootRecord struct {
	WhitelistName   string `dynamodbav:"WhitelistName" json:"whitelistName"`
	MerkleRoot      string `dynamodbav:"MerkleRoot" json:"merkleRoot"`
	WhitelistStatus Status `dynamodbav:"WhitelistStatus" json:"whitelistStatus"`
}

// ProofRecord is a row of the proofs table, keyed by (whitelist name,
// checksummed address). MerkleProof is the comma-joined hex sibling list;
// it is empty for a single-leaf tree.
type ProofRecord struct {
	WhitelistName     string `dynamodbav:"WhitelistName" json:"whitelistName"`
	WhitelistAddress  string `dynamodbav:"WhitelistAddress" json:"whitelistAddress"`
	WhitelistAmountWei string `dynamodbav:"WhitelistAmountWei" json:"whitelistAmountWei"`
	MerkleProof       string `dynamodbav:"MerkleProof" json:"merkleProof"`
}

// TreeRecord is the anonymous projection of a roots-table row: the name
// only, with no root hash or status.
type TreeRecord struct {
	WhitelistName string `dynamodbav:"WhitelistName" json:"whitelistName"`
}

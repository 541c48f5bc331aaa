// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Operation names used as authorization keys. Each protected operation has
// its own AUTHORIZED_GROUPS_* variable; an unset or empty variable means
// any authenticated caller may invoke the operation.
const (
	OpUploadWhitelist  = "UploadWhitelist"
	OpDeleteWhitelist  = "DeleteWhitelist"
	OpCreateMerkleTree = "CreateMerkleTree"
	OpDeleteMerkleTree = "DeleteMerkleTree"
	OpGetMerkleRoot    = "GetMerkleRoot"
	OpGetMerkleRoots   = "GetMerkleRoots"
	OpGetMerkleProofs  = "GetMerkleProofs"
)

// groupEnvVars maps each protected operation to its environment variable.
var groupEnvVars = map[string]string{
	OpUploadWhitelist:  "AUTHORIZED_GROUPS_UPLOAD_WHITELIST",
	OpDeleteWhitelist:  "AUTHORIZED_GROUPS_DELETE_WHITELIST",
	OpCreateMerkleTree: "AUTHORIZED_GROUPS_CREATE_MERKLE_TREE",
	OpDeleteMerkleTree: "AUTHORIZED_GROUPS_DELETE_MERKLE_TREE",
	OpGetMerkleRoot:    "AUTHORIZED_GROUPS_GET_MERKLE_ROOT",
	OpGetMerkleRoots:   "AUTHORIZED_GROUPS_GET_MERKLE_ROOTS",
	OpGetMerkleProofs:  "AUTHORIZED_GROUPS_GET_MERKLE_PROOFS",
}

// Config holds all configuration for the whitelist service.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string

	// S3BucketName is the bucket holding uploaded whitelist CSVs.
	S3BucketName string

	// RootsTableName is the DynamoDB table holding one row per tree.
	RootsTableName string

	// ProofsTableName is the DynamoDB table holding one row per leaf.
	ProofsTableName string

	// StepTimeout caps each storage phase of a lifecycle operation.
	StepTimeout time.Duration

	// AuthorizedGroups maps an operation name to the groups allowed to
	// invoke it. A missing or empty entry admits any authenticated caller.
	AuthorizedGroups map[string][]string
}

// DefaultConfig returns a Config with sensible defaults. Storage names have
// no defaults and must come from the environment.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		StepTimeout:      60 * time.Second,
		AuthorizedGroups: make(map[string][]string),
	}
}

// FromEnv builds a Config from environment variables, applying defaults and
// validating the result.
func FromEnv() (Config, error) {
	c := DefaultConfig()
	if v := os.Getenv("WHITELIST_LISTEN_ADDRESS"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("WHITELIST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	c.S3BucketName = os.Getenv("WHITELIST_S3_BUCKET_NAME")
	c.RootsTableName = os.Getenv("WHITELIST_DYNAMODB_ROOTS_TABLE_NAME")
	c.ProofsTableName = os.Getenv("WHITELIST_DYNAMODB_PROOFS_TABLE_NAME")
	if v := os.Getenv("WHITELIST_STEP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: WHITELIST_STEP_TIMEOUT: %w", err)
		}
		c.StepTimeout = d
	}
	for op, env := range groupEnvVars {
		if groups := splitGroups(os.Getenv(env)); len(groups) > 0 {
			c.AuthorizedGroups[op] = groups
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// splitGroups parses a comma-separated group list, trimming whitespace and
// dropping empty elements.
func splitGroups(s string) []string {
	var groups []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen address must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.S3BucketName == "" {
		return errors.New("config: WHITELIST_S3_BUCKET_NAME must be set")
	}
	if c.RootsTableName == "" {
		return errors.New("config: WHITELIST_DYNAMODB_ROOTS_TABLE_NAME must be set")
	}
	if c.ProofsTableName == "" {
		return errors.New("config: WHITELIST_DYNAMODB_PROOFS_TABLE_NAME must be set")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("config: invalid step timeout: %s", c.StepTimeout)
	}
	for op := range c.AuthorizedGroups {
		if _, ok := groupEnvVars[op]; !ok {
			return fmt.Errorf("config: unknown operation %q in authorized groups", op)
		}
	}
	return nil
}

// GroupsFor returns the allowed groups for an operation, nil when the
// operation is open to any authenticated caller.
func (c *Config) GroupsFor(op string) []string {
	return c.AuthorizedGroups[op]
}

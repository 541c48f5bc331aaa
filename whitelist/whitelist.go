// Package whitelist parses and validates uploaded whitelist CSVs. It is the
// input gate in front of the Merkle builder: everything that leaves this
// package carries a checksummed non-zero address and a non-negative integer
// wei amount.
package whitelist

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

const (
	// MaxRows is the largest number of data rows accepted in one CSV.
	MaxRows = 100_000
	// MaxAmountLength bounds the raw decimal amount string.
	MaxAmountLength = 30
	// tokenDecimals is the scaling between whole tokens and wei.
	tokenDecimals = 18

	headerAddress = "WhitelistAddress"
	headerAmount  = "WhitelistAmount"
)

var (
	addressRx = regexp.MustCompile(`^(0x|0X)[0-9A-Fa-f]{40}$`)
	amountRx  = regexp.MustCompile(`^([0-9]+)(\.([0-9]+))?$`)
)

// Entry is one validated whitelist row.
type Entry struct {
	// Address is the EIP-55 checksummed account address.
	Address common.Address
	// AmountWei is the row amount scaled to wei.
	AmountWei *uint256.Int
}

// ValidateAddress checks syntax, the zero-address rule and the EIP-55
// checksum, and returns the parsed address. All-lowercase and all-uppercase
// hex forms are accepted per the standard rules; any mixed-case form must
// match the checksum exactly.
func ValidateAddress(s string) (common.Address, error) {
	if !addressRx.MatchString(s) {
		return common.Address{}, storage.NewError(storage.KindValidation, "malformed address %q", s)
	}
	hex := s[2:]
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, storage.NewError(storage.KindValidation, "zero address is not allowed")
	}
	if hex != strings.ToLower(hex) && hex != strings.ToUpper(hex) {
		// Mixed case: must be the exact checksummed form.
		if s != addr.Hex() {
			return common.Address{}, storage.NewError(storage.KindValidation, "address %q fails checksum", s)
		}
	}
	return addr, nil
}

// ParseAmountWei converts a decimal token amount (at most 18 fractional
// digits) into an integer count of wei.
func ParseAmountWei(s string) (*uint256.Int, error) {
	if len(s) == 0 || len(s) > MaxAmountLength {
		return nil, storage.NewError(storage.KindValidation, "amount length must be 1-%d, got %d", MaxAmountLength, len(s))
	}
	m := amountRx.FindStringSubmatch(s)
	if m == nil {
		return nil, storage.NewError(storage.KindValidation, "malformed amount %q", s)
	}
	whole, frac := m[1], m[3]
	if len(frac) > tokenDecimals {
		return nil, storage.NewError(storage.KindValidation, "amount %q has more than %d decimal places", s, tokenDecimals)
	}
	dec := strings.TrimLeft(whole, "0") + frac + strings.Repeat("0", tokenDecimals-len(frac))
	dec = strings.TrimLeft(dec, "0")
	if dec == "" {
		return uint256.NewInt(0), nil
	}
	wei, err := uint256.FromDecimal(dec)
	if err != nil {
		return nil, storage.NewError(storage.KindValidation, "amount %q does not fit in uint256", s)
	}
	return wei, nil
}

// ParseCSV reads a whitelist CSV and returns its validated entries. The
// header row must name exactly the WhitelistAddress and WhitelistAmount
// columns. Fields are trimmed and empty lines skipped. Duplicate addresses,
// compared after checksum normalization, fail the parse.
func ParseCSV(data []byte) ([]Entry, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, storage.NewError(storage.KindValidation, "whitelist csv is empty")
	}
	if err != nil {
		return nil, storage.WrapError(storage.KindValidation, err, "whitelist csv header")
	}
	if len(header) != 2 ||
		strings.TrimSpace(header[0]) != headerAddress ||
		strings.TrimSpace(header[1]) != headerAmount {
		return nil, storage.NewError(storage.KindValidation,
			"whitelist csv header must be %s,%s", headerAddress, headerAmount)
	}

	var entries []Entry
	seen := make(map[common.Address]struct{})
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, storage.WrapError(storage.KindValidation, err, "whitelist csv line %d", line)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) != 2 {
			return nil, storage.NewError(storage.KindValidation, "whitelist csv line %d: want 2 fields, got %d", line, len(row))
		}
		if len(entries) >= MaxRows {
			return nil, storage.NewError(storage.KindValidation, "whitelist exceeds %d rows", MaxRows)
		}

		addr, err := ValidateAddress(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("whitelist csv line %d: %w", line, err)
		}
		wei, err := ParseAmountWei(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("whitelist csv line %d: %w", line, err)
		}
		if _, dup := seen[addr]; dup {
			return nil, storage.NewError(storage.KindValidation, "duplicate address %s", addr.Hex())
		}
		seen[addr] = struct{}{}
		entries = append(entries, Entry{Address: addr, AmountWei: wei})
	}

	if len(entries) == 0 {
		return nil, storage.NewError(storage.KindValidation, "whitelist has no rows")
	}
	return entries, nil
}

// Package cdp implements the collateralized-debt-position accounting core:
// the durable position store and the layered in-memory ranked cache the
// chain state engine queries for liquidation scans and global risk totals.
//
// A position records how many bcoins an account has staked as collateral
// and how many scoins it has minted against them. The collateral ratio
// base (staked ÷ owed) is derived on load and never persisted; it is the
// ranking key of the in-memory index, so every mutation that changes it
// must go through the erase-old/insert-new path the cache provides.
package cdp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidRegID = errors.New("cdp: invalid register id")
	ErrInvalidTxID  = errors.New("cdp: invalid transaction id")
)

// regIDPattern matches the register identity form {height}-{index},
// e.g. 158-2: the account registered by the 2nd tx of block 158.
var regIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// RegID is an account's register identity. RegIDs compare
// lexicographically; that order is part of the position ordering and of
// the durable key order, so it must never change.
type RegID string

// ParseRegID validates the {height}-{index} form.
func ParseRegID(s string) (RegID, error) {
	if !regIDPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected {height}-{index})", ErrInvalidRegID, s)
	}
	return RegID(s), nil
}

// IsEmpty reports whether the identity is unset.
func (r RegID) IsEmpty() bool {
	return r == ""
}

func (r RegID) String() string {
	return string(r)
}

// TxIDLen is the byte length of a transaction hash.
const TxIDLen = 32

// TxID is the hash of the transaction that opened a position. The
// all-zero value is the empty sentinel.
type TxID [TxIDLen]byte

// ParseTxID decodes a 64-character hex string.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	if len(s) != TxIDLen*2 {
		return id, fmt.Errorf("%w: %q (expected %d hex chars)", ErrInvalidTxID, s, TxIDLen*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %q", ErrInvalidTxID, s)
	}
	copy(id[:], b)
	return id, nil
}

// RandomTxID returns a fresh random transaction id. Used by the dev/admin
// surface when the caller does not supply one; consensus flows always do.
func RandomTxID() TxID {
	var id TxID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("cdp: crypto/rand failed: %v", err))
	}
	return id
}

// IsZero reports whether the id is the empty sentinel.
func (id TxID) IsZero() bool {
	return id == TxID{}
}

// Compare orders ids by byte value: -1, 0 or 1.
func (id TxID) Compare(other TxID) int {
	return bytes.Compare(id[:], other[:])
}

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText renders the id as lowercase hex, which is also its JSON form.
func (id TxID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts the hex form produced by MarshalText.
func (id *TxID) UnmarshalText(text []byte) error {
	parsed, err := ParseTxID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Position is one open CDP: Owner staked StakedBcoins and owes OwedScoins
// minted against them. Height is the block of the last mutation.
//
// RatioBase is derived (StakedBcoins ÷ OwedScoins) and excluded from the
// wire form; it is recomputed on every load and after every mutation of
// the two amount fields. It exists only to order the in-memory index —
// consensus-relevant ratio math never uses it.
type Position struct {
	Owner        RegID   `json:"owner"`
	CdpID        TxID    `json:"cdp_id"`
	Height       int32   `json:"height"`
	StakedBcoins uint64  `json:"staked_bcoins"`
	OwedScoins   uint64  `json:"owed_scoins"`
	RatioBase    float64 `json:"-"`
}

// NewPosition returns the empty-amount position a first stake starts from.
func NewPosition(owner RegID, cdpID TxID) Position {
	return Position{Owner: owner, CdpID: cdpID}
}

// IsEmpty reports the empty sentinel state: a zero transaction id, used to
// signal absence without an optional wrapper.
func (p *Position) IsEmpty() bool {
	return p.CdpID.IsZero()
}

// SetEmpty resets every field to the sentinel state.
func (p *Position) SetEmpty() {
	*p = Position{}
}

// recomputeRatio refreshes RatioBase from the amount fields. A live
// position must owe scoins; reaching this with zero debt means invalid
// state was saved upstream, which is a fail-fast condition rather than a
// recoverable error.
func (p *Position) recomputeRatio() {
	if p.OwedScoins == 0 {
		panic(fmt.Sprintf("cdp: ratio computed against zero owed scoins (owner=%s cdp=%s)",
			p.Owner, p.CdpID))
	}
	p.RatioBase = float64(p.StakedBcoins) / float64(p.OwedScoins)
}

// Less is the strict total order of the ranked index: ratio base
// ascending, ties broken by owner, then by transaction id. Most
// undercollateralized positions order first.
func (p *Position) Less(other *Position) bool {
	if p.RatioBase != other.RatioBase {
		return p.RatioBase < other.RatioBase
	}
	if p.Owner != other.Owner {
		return p.Owner < other.Owner
	}
	return p.CdpID.Compare(other.CdpID) < 0
}

// sameIdentity reports whether two positions name the same CDP,
// regardless of amounts.
func (p *Position) sameIdentity(other *Position) bool {
	return p.Owner == other.Owner && p.CdpID == other.CdpID
}

func (p *Position) String() string {
	return fmt.Sprintf("owner=%s cdp=%s height=%d staked=%d owed=%d ratio=%.4f",
		p.Owner, p.CdpID, p.Height, p.StakedBcoins, p.OwedScoins, p.RatioBase)
}

// encodePosition produces the durable wire form. RatioBase is tagged out
// of the JSON, so the derived field can never leak into storage.
func encodePosition(p *Position) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode position %s/%s: %w", p.Owner, p.CdpID, err)
	}
	return data, nil
}

// decodePosition parses the wire form and recomputes the derived ratio.
func decodePosition(data []byte) (Position, error) {
	var p Position
	if err := json.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	p.recomputeRatio()
	return p, nil
}

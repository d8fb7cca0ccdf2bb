// Package pda implements 32-byte account addresses and program-derived
// addresses.
//
// Party addresses are BIP340 x-only secp256k1 public keys, so every party
// address lies on the curve. A derived address is a keccak256 digest that
// has been checked to lie off the curve, which means no private key can
// ever sign for it; the only way to act as a derived address is to present
// the seeds and bump that produce it.
package pda

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AddressLength is the size of an address in bytes.
const AddressLength = 32

// ErrInvalidAddress is returned when a value cannot be parsed as an address.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies an account: a party key, a derived address, a mint
// or a token account.
type Address [AddressLength]byte

// ZeroAddress is the all-zero address. It is never a valid party or
// derived address.
var ZeroAddress Address

// BytesToAddress copies b into an Address. Shorter input is left-padded
// with zeros; longer input keeps its trailing 32 bytes.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// ParseAddress parses a 0x-prefixed 64-character hex string.
func ParseAddress(s string) (Address, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLength, len(b))
	}
	return BytesToAddress(b), nil
}

// MustParseAddress is ParseAddress for constants. It panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// Hex returns the lowercase 0x-prefixed encoding.
func (a Address) Hex() string {
	return hexutil.Encode(a[:])
}

func (a Address) String() string {
	return a.Hex()
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// IsOnCurve reports whether a is a valid x-only secp256k1 public key.
func (a Address) IsOnCurve() bool {
	return IsOnCurve(a[:])
}

// IsOnCurve reports whether b is a valid x-only secp256k1 public key.
func IsOnCurve(b []byte) bool {
	if len(b) != AddressLength {
		return false
	}
	_, err := schnorr.ParsePubKey(b)
	return err == nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores addresses as hex text.
func (a Address) Value() (driver.Value, error) {
	return a.Hex(), nil
}

// Scan reads an address stored as hex text.
func (a *Address) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case nil:
		*a = ZeroAddress
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidAddress, src)
	}
}

package pda

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxSeeds bounds the number of seeds, bump included.
	MaxSeeds = 16
	// MaxSeedLength bounds each individual seed.
	MaxSeedLength = 64
)

var (
	ErrTooManySeeds = errors.New("too many seeds")
	ErrSeedTooLong  = errors.New("seed exceeds maximum length")
	ErrOnCurve      = errors.New("derived address lies on the curve")
	ErrNoBump       = errors.New("no bump produces an off-curve address")
)

var derivationMarker = []byte("ProgramDerivedAddress")

// CreateProgramAddress hashes seeds, program ID and marker into an
// address. It fails with ErrOnCurve when the result is a usable public key.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return Address{}, fmt.Errorf("%w: %d > %d", ErrTooManySeeds, len(seeds), MaxSeeds)
	}
	parts := make([][]byte, 0, len(seeds)+2)
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Address{}, fmt.Errorf("%w: seed %d is %d bytes", ErrSeedTooLong, i, len(seed))
		}
		parts = append(parts, seed)
	}
	parts = append(parts, programID[:], derivationMarker)

	digest := crypto.Keccak256(parts...)
	if IsOnCurve(digest) {
		return Address{}, ErrOnCurve
	}
	return BytesToAddress(digest), nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the
// first off-curve address with its bump. The search order is fixed, so the
// result is canonical for a given seed set.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	if len(seeds)+1 > MaxSeeds {
		return Address{}, 0, fmt.Errorf("%w: %d seeds leave no room for a bump", ErrTooManySeeds, len(seeds))
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bump := []byte{0}
	withBump[len(seeds)] = bump

	for b := 255; b >= 0; b-- {
		bump[0] = byte(b)
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, byte(b), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoBump
}

package pda

import (
	"fmt"
)

// Namespace separates the addresses derived from one identifier.
type Namespace string

const (
	// NamespaceRecord derives the address of an escrow's state record.
	// The record address is also the authority over the custody account.
	NamespaceRecord Namespace = "transaction-state"
	// NamespaceCustody derives the address of an escrow's custody account.
	NamespaceCustody Namespace = "escrow-wallet"
)

// Deriver derives addresses for one program ID.
type Deriver struct {
	programID Address
}

// NewDeriver creates a deriver bound to programID.
func NewDeriver(programID Address) *Deriver {
	return &Deriver{programID: programID}
}

// ProgramID returns the program ID the deriver is bound to.
func (d *Deriver) ProgramID() Address {
	return d.programID
}

// Find returns the canonical address and bump for (ns, identifier).
func (d *Deriver) Find(ns Namespace, identifier string) (Address, uint8, error) {
	addr, bump, err := FindProgramAddress(seedsFor(ns, identifier), d.programID)
	if err != nil {
		return Address{}, 0, fmt.Errorf("derive %s/%s: %w", ns, identifier, err)
	}
	return addr, bump, nil
}

// At re-derives the address for a known bump without searching.
func (d *Deriver) At(ns Namespace, identifier string, bump uint8) (Address, error) {
	return d.Signer(ns, identifier, bump).Address()
}

// Signer returns the capability to act as the address derived from
// (ns, identifier, bump).
func (d *Deriver) Signer(ns Namespace, identifier string, bump uint8) Signer {
	return Signer{
		programID: d.programID,
		seeds:     seedsFor(ns, identifier),
		bump:      bump,
	}
}

func seedsFor(ns Namespace, identifier string) [][]byte {
	return [][]byte{[]byte(ns), []byte(identifier)}
}

// Signer proves authority over a derived address by carrying the seeds
// that produce it. It can only be obtained from a Deriver.
type Signer struct {
	programID Address
	seeds     [][]byte
	bump      uint8
}

// Bump returns the bump the signer derives with.
func (s Signer) Bump() uint8 {
	return s.bump
}

// Address re-derives the address the signer speaks for.
func (s Signer) Address() (Address, error) {
	if len(s.seeds) == 0 {
		return Address{}, fmt.Errorf("%w: empty signer", ErrInvalidAddress)
	}
	seeds := make([][]byte, len(s.seeds)+1)
	copy(seeds, s.seeds)
	seeds[len(s.seeds)] = []byte{s.bump}
	return CreateProgramAddress(seeds, s.programID)
}

// Authorize implements the ledger's authority contract: the address the
// signer may act for, or an error when the seeds do not derive one.
func (s Signer) Authorize() (Address, error) {
	return s.Address()
}

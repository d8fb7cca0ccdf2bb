package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/stakehold/internal/escrowid"
)

// recordDiscriminator tags serialized TransactionState values.
var recordDiscriminator = crypto.Keccak256([]byte("account:TransactionState"))[:8]

// EncodedLen is the serialized size of a record with a canonical
// identifier.
const EncodedLen = 8 + 4 + escrowid.Length + 1 + 8 + 1 + 1

// MarshalBinary encodes the record as discriminator, length-prefixed
// identifier, stage, bet amount and both bumps, little-endian.
func (s *TransactionState) MarshalBinary() ([]byte, error) {
	if len(s.Identifier) > escrowid.Length {
		return nil, fmt.Errorf("%w: identifier too long", ErrCorruptRecord)
	}
	buf := make([]byte, 0, EncodedLen)
	buf = append(buf, recordDiscriminator...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Identifier)))
	buf = append(buf, s.Identifier...)
	buf = append(buf, byte(s.Stage))
	buf = binary.LittleEndian.AppendUint64(buf, s.BetAmount)
	buf = append(buf, s.StateBump, s.EscrowBump)
	return buf, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (s *TransactionState) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(data))
	}
	if string(data[:8]) != string(recordDiscriminator) {
		return fmt.Errorf("%w: bad discriminator", ErrCorruptRecord)
	}
	n := binary.LittleEndian.Uint32(data[8:12])
	if n > escrowid.Length {
		return fmt.Errorf("%w: identifier length %d", ErrCorruptRecord, n)
	}
	rest := data[12:]
	if len(rest) != int(n)+1+8+1+1 {
		return fmt.Errorf("%w: expected %d trailing bytes, got %d", ErrCorruptRecord, int(n)+11, len(rest))
	}

	id := string(rest[:n])
	rest = rest[n:]
	stage := Stage(rest[0])
	if !stage.Valid() {
		return fmt.Errorf("%w: unknown stage %d", ErrCorruptRecord, rest[0])
	}

	s.Identifier = id
	s.Stage = stage
	s.BetAmount = binary.LittleEndian.Uint64(rest[1:9])
	s.StateBump = rest[9]
	s.EscrowBump = rest[10]
	return nil
}

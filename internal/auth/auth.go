// Package auth verifies party identity.
//
// A party is identified by its BIP340 x-only secp256k1 public key, which
// doubles as its address. Requests are signed over a digest that binds the
// method, path, timestamp and body, so a signature cannot be replayed
// against a different operation or escrow.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/stakehold/internal/pda"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid public key")
	ErrNoSigner         = errors.New("no authenticated signer")
)

const digestDomain = "stakehold"

// Signer is a party whose signature has been checked. The zero value is
// not a signer.
type Signer struct {
	addr pda.Address
}

// Address returns the verified party address.
func (s Signer) Address() pda.Address {
	return s.addr
}

// IsZero reports whether s carries no verified identity.
func (s Signer) IsZero() bool {
	return s.addr.IsZero()
}

// Authorize implements token.Authority.
func (s Signer) Authorize() (pda.Address, error) {
	if s.IsZero() {
		return pda.Address{}, ErrNoSigner
	}
	return s.addr, nil
}

func (s Signer) String() string {
	return s.addr.Hex()
}

// Verify checks a 64-byte BIP340 signature by pubkey over a 32-byte digest
// and returns the verified signer.
func Verify(pubkey pda.Address, digest, sig []byte) (Signer, error) {
	pk, err := schnorr.ParsePubKey(pubkey[:])
	if err != nil {
		return Signer{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return Signer{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Verify(digest, pk) {
		return Signer{}, ErrInvalidSignature
	}
	return Signer{addr: pubkey}, nil
}

// RequestDigest is the message a party signs for an HTTP request.
func RequestDigest(method, path string, timestamp int64, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	msg := digestDomain + "|" + method + "|" + path + "|" +
		strconv.FormatInt(timestamp, 10) + "|" + hex.EncodeToString(bodyHash[:])
	sum := sha256.Sum256([]byte(msg))
	return sum[:]
}

// Keypair holds a party's private key.
type Keypair struct {
	priv *btcec.PrivateKey
	addr pda.Address
}

// GenerateKeypair creates a random keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeypair(priv), nil
}

// KeypairFromHex loads a 0x-prefixed 32-byte private key.
func KeypairFromHex(s string) (*Keypair, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: expected %d bytes", ErrInvalidKey, btcec.PrivKeyBytesLen)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return newKeypair(priv), nil
}

func newKeypair(priv *btcec.PrivateKey) *Keypair {
	return &Keypair{
		priv: priv,
		addr: pda.BytesToAddress(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// Address returns the party address of the keypair.
func (k *Keypair) Address() pda.Address {
	return k.addr
}

// Hex returns the private key in 0x-prefixed hex.
func (k *Keypair) Hex() string {
	return hexutil.Encode(k.priv.Serialize())
}

// Signer returns the verified identity of the key holder. Holding the
// private key is proof enough.
func (k *Keypair) Signer() Signer {
	return Signer{addr: k.addr}
}

// Sign produces a 64-byte BIP340 signature over a 32-byte digest.
func (k *Keypair) Sign(digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.priv, digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// SignRequest signs an HTTP request and returns the signature as 0x hex.
func (k *Keypair) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := k.Sign(RequestDigest(method, path, timestamp, body))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

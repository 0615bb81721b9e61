package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// Domain separation tags for authority derivation and transfer digests.
var (
	authorityDerivationTag = []byte("safeswap/authority/v1")
	transferDigestTag      = []byte("safeswap/transfer/v1")
)

// ErrInvalidTransferSig is returned when a vault transfer signature does not
// recover to the expected authority address.
var ErrInvalidTransferSig = errors.New("crypto: invalid transfer signature")

// Authority is the signing capability bound to a single escrow record. It is
// derived deterministically from the node's authority seed, the escrow
// identifier and the record's salt, so the same record always reconstructs the
// same capability without any key material being stored. The private key never
// leaves this type; callers only get the address and transfer signatures.
type Authority struct {
	key      *ecdsa.PrivateKey
	escrowID [32]byte
}

// DeriveAuthority reconstructs the signing capability for the given escrow.
// Derivation hashes the seed, escrow ID and salt together with an incrementing
// bump byte until the result is a valid secp256k1 scalar. The bump loop
// terminates quickly in practice; the hard cap only guards against a broken
// hash input.
func DeriveAuthority(seed []byte, escrowID, salt [32]byte) (*Authority, error) {
	if len(seed) == 0 {
		return nil, errors.New("crypto: authority seed must not be empty")
	}
	for bump := 0; bump < 256; bump++ {
		material := crypto.Keccak256(authorityDerivationTag, seed, escrowID[:], salt[:], []byte{byte(bump)})
		key, err := crypto.ToECDSA(material)
		if err != nil {
			continue
		}
		return &Authority{key: key, escrowID: escrowID}, nil
	}
	return nil, errors.New("crypto: authority derivation failed")
}

// Address returns the 20-byte address controlled by the capability.
func (a *Authority) Address() [20]byte {
	var addr [20]byte
	copy(addr[:], crypto.PubkeyToAddress(a.key.PublicKey).Bytes())
	return addr
}

// SignTransfer authorizes moving amount from the escrow's vault to the
// recipient. The returned signature is a recoverable secp256k1 signature over
// the canonical transfer digest.
func (a *Authority) SignTransfer(to [20]byte, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("crypto: transfer amount must be positive")
	}
	digest := TransferDigest(a.escrowID, to, amount)
	return crypto.Sign(digest, a.key)
}

// TransferDigest computes the canonical digest signed by an escrow authority
// for a vault payout.
func TransferDigest(escrowID [32]byte, to [20]byte, amount *big.Int) []byte {
	amt := amount
	if amt == nil {
		amt = big.NewInt(0)
	}
	return crypto.Keccak256(transferDigestTag, escrowID[:], to[:], amt.Bytes())
}

// VerifyTransferSig checks that sig recovers to the expected authority address
// for the given transfer parameters.
func VerifyTransferSig(authority [20]byte, escrowID [32]byte, to [20]byte, amount *big.Int, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return ErrInvalidTransferSig
	}
	digest := TransferDigest(escrowID, to, amount)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return ErrInvalidTransferSig
	}
	var recovered [20]byte
	copy(recovered[:], crypto.PubkeyToAddress(*pub).Bytes())
	if recovered != authority {
		return ErrInvalidTransferSig
	}
	return nil
}

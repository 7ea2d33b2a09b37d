package wire

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces hex signatures over arbitrary bytes. The fabric signs the
// concatenation of the payload hash and the sender timestamp (see
// AnchorSigningBytes); the digest is SHA-256 of that concatenation.
type Signer interface {
	Sign(data []byte) (string, error)
}

// Verifier checks a hex signature against data and a hex-encoded public key.
type Verifier interface {
	Verify(data []byte, hexSig string, pubKeyHex string) bool
}

// AnchorSigningBytes is the byte layout signed for anchors and off-bus
// messages: the hex hash followed by the decimal timestamp.
func AnchorSigningBytes(hashHex string, timestamp int64) []byte {
	return []byte(hashHex + strconv.FormatInt(timestamp, 10))
}

// ECDSASigner signs with a secp256k1 private key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

func (s *ECDSASigner) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return "", fmt.Errorf("ecdsa sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// PermissiveVerifier accepts every signature. This is the current default:
// the interface is in place but enforcement is pending a canonicalized key
// distribution story. Flip to StrictVerifier to enforce.
type PermissiveVerifier struct{}

func (PermissiveVerifier) Verify([]byte, string, string) bool { return true }

// StrictVerifier does real secp256k1 verification. The public key may be
// compressed (33 bytes) or uncompressed (65 bytes), hex encoded.
type StrictVerifier struct{}

func (StrictVerifier) Verify(data []byte, hexSig string, pubKeyHex string) bool {
	sig, err := hex.DecodeString(hexSig)
	if err != nil || len(sig) < 64 {
		return false
	}
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	// crypto.Sign appends a recovery id; VerifySignature wants R||S only.
	return crypto.VerifySignature(pub, digest[:], sig[:64])
}

// CompressedPubKeyHex returns the hex compressed public key for a private key.
func CompressedPubKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))
}

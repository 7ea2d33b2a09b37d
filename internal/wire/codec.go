package wire

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// PayloadCodec transforms envelope bytes before they go over the bus. The
// anchor hash is always computed over codec OUTPUT, so swapping the codec
// changes the traffic but not the verification law. Base64 is the current
// default; an AEAD codec slots in here when payload privacy lands.
type PayloadCodec interface {
	// Name identifies the codec on the wire (for future negotiation).
	Name() string
	// Encode transforms plaintext envelope bytes into the transported form.
	Encode(plain []byte) ([]byte, error)
	// Decode reverses Encode.
	Decode(encoded []byte) ([]byte, error)
}

// Base64Codec is the default codec: standard base64, no confidentiality.
type Base64Codec struct{}

func (Base64Codec) Name() string { return "base64" }

func (Base64Codec) Encode(plain []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(plain)))
	base64.StdEncoding.Encode(out, plain)
	return out, nil
}

func (Base64Codec) Decode(encoded []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(out, encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 codec: %w", err)
	}
	return out[:n], nil
}

// HashHex returns the lowercase hex SHA-256 of the encoded payload. This is
// the value carried in the anchor record and recomputed on receipt.
func HashHex(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

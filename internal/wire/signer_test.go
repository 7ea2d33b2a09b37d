package wire

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestECDSASignAndStrictVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer := NewECDSASigner(key)
	data := AnchorSigningBytes("deadbeef", 1700000000000)

	sig, err := signer.Sign(data)
	require.NoError(t, err)

	v := StrictVerifier{}
	require.True(t, v.Verify(data, sig, CompressedPubKeyHex(key)))
}

func TestStrictVerifyRejectsTampered(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewECDSASigner(key)

	sig, err := signer.Sign(AnchorSigningBytes("deadbeef", 1))
	require.NoError(t, err)

	v := StrictVerifier{}
	require.False(t, v.Verify(AnchorSigningBytes("deadbeef", 2), sig, CompressedPubKeyHex(key)))
	require.False(t, v.Verify(AnchorSigningBytes("deadbeef", 1), sig, "zz"))
	require.False(t, v.Verify(AnchorSigningBytes("deadbeef", 1), "zz", CompressedPubKeyHex(key)))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.False(t, v.Verify(AnchorSigningBytes("deadbeef", 1), sig, CompressedPubKeyHex(other)))
}

func TestPermissiveVerifierAcceptsAnything(t *testing.T) {
	v := PermissiveVerifier{}
	require.True(t, v.Verify(nil, "", ""))
	require.True(t, v.Verify([]byte("x"), "junk", "junk"))
}

func TestAnchorSigningBytesLayout(t *testing.T) {
	require.Equal(t, []byte("abc1700000000000"), AnchorSigningBytes("abc", 1700000000000))
}

// Package identity holds the provisioned ledger identity of one agent:
// account id, ECDSA key pair, and its inbound/outbound topics. Created once
// via the registration flow, then immutable for the process lifetime.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aexowork/fabric/internal/config"
	"github.com/aexowork/fabric/internal/wire"
)

// Identity is an agent's ledger identity. The private key never leaves the
// process.
type Identity struct {
	AccountID       string
	PrivateKey      *ecdsa.PrivateKey
	PublicKeyHex    string // compressed secp256k1, hex
	InboundTopicID  string
	OutboundTopicID string
	ProfileTopicID  string
}

// FromCredentials parses credential material into a usable identity.
func FromCredentials(creds *config.AgentCredentials) (*Identity, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(creds.PrivateKeyHex), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key for %s: %w", creds.AccountID, err)
	}
	return &Identity{
		AccountID:       creds.AccountID,
		PrivateKey:      key,
		PublicKeyHex:    wire.CompressedPubKeyHex(key),
		InboundTopicID:  creds.InboundTopicID,
		OutboundTopicID: creds.OutboundTopicID,
		ProfileTopicID:  creds.ProfileTopicID,
	}, nil
}

// Signer returns the ECDSA signer bound to this identity's private key.
func (id *Identity) Signer() wire.Signer {
	return wire.NewECDSASigner(id.PrivateKey)
}

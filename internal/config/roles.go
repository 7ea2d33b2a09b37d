package config

import (
	"fmt"
	"os"
	"strings"
)

// Role is a registered agent role. Each role maps to a fixed set of
// credential environment variables via its prefix.
type Role string

const (
	RoleClient       Role = "CLIENT_AGENT"
	RoleWorker       Role = "WORKER_AGENT"
	RoleVerification Role = "VERIFICATION_AGENT"
	RoleRepute       Role = "REPUTE_AGENT"
	RoleDispute      Role = "DISPUTE_AGENT"
	RoleData         Role = "DATA_AGENT"
	RoleEscrow       Role = "ESCROW_AGENT"
	RoleMarketplace  Role = "MARKETPLACE_AGENT"
)

// Roles lists every registered role prefix.
func Roles() []Role {
	return []Role{
		RoleClient, RoleWorker, RoleVerification, RoleRepute,
		RoleDispute, RoleData, RoleEscrow, RoleMarketplace,
	}
}

// ParseRole matches a role name case-insensitively, with or without the
// _AGENT suffix ("worker" and "WORKER_AGENT" both resolve to RoleWorker).
func ParseRole(name string) (Role, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasSuffix(n, "_AGENT") {
		n += "_AGENT"
	}
	for _, r := range Roles() {
		if string(r) == n {
			return r, nil
		}
	}
	return "", fmt.Errorf("config: unknown agent role %q", name)
}

// RoleEnv names the credential variables for one role.
type RoleEnv struct {
	AccountIDKey     string
	PrivateKeyKey    string
	InboundTopicKey  string
	OutboundTopicKey string
	ProfileTopicKey  string
}

// Env returns the environment variable names for this role.
func (r Role) Env() RoleEnv {
	p := string(r)
	return RoleEnv{
		AccountIDKey:     p + "_ACCOUNT_ID",
		PrivateKeyKey:    p + "_PRIVATE_KEY",
		InboundTopicKey:  p + "_INBOUND_TOPIC",
		OutboundTopicKey: p + "_OUTBOUND_TOPIC",
		ProfileTopicKey:  p + "_PROFILE_TOPIC",
	}
}

// AgentCredentials is the raw credential material for one agent, as read
// from the environment. The private key stays in this process.
type AgentCredentials struct {
	Role            Role
	AccountID       string
	PrivateKeyHex   string
	InboundTopicID  string
	OutboundTopicID string
	ProfileTopicID  string // optional, reserved for discovery metadata
}

// ConfigError reports missing credential variables for a role. Fatal at
// startup: the process exits naming the required keys.
type ConfigError struct {
	Role    Role
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: role %s missing required environment keys: %s",
		e.Role, strings.Join(e.Missing, ", "))
}

// CredentialsForRole resolves an agent's credentials from the environment.
// The profile topic is optional; everything else is required.
func CredentialsForRole(role Role) (*AgentCredentials, error) {
	keys := role.Env()
	creds := &AgentCredentials{
		Role:            role,
		AccountID:       os.Getenv(keys.AccountIDKey),
		PrivateKeyHex:   os.Getenv(keys.PrivateKeyKey),
		InboundTopicID:  os.Getenv(keys.InboundTopicKey),
		OutboundTopicID: os.Getenv(keys.OutboundTopicKey),
		ProfileTopicID:  os.Getenv(keys.ProfileTopicKey),
	}

	var missing []string
	if creds.AccountID == "" {
		missing = append(missing, keys.AccountIDKey)
	}
	if creds.PrivateKeyHex == "" {
		missing = append(missing, keys.PrivateKeyKey)
	}
	if creds.InboundTopicID == "" {
		missing = append(missing, keys.InboundTopicKey)
	}
	if creds.OutboundTopicID == "" {
		missing = append(missing, keys.OutboundTopicKey)
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Role: role, Missing: missing}
	}
	return creds, nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Peer is one entry in the known-peer table: the routing information needed
// to reach an agent (its ledger account and inbound topic).
type Peer struct {
	Name           string `yaml:"name"`
	AccountID      string `yaml:"accountId"`
	InboundTopicID string `yaml:"inboundTopic"`
}

// PeerTable maps logical agent names and account ids to routing entries.
// Immutable after startup; readers never block.
type PeerTable struct {
	peers     []Peer
	byAccount map[string]Peer
	byName    map[string]Peer
}

// NewPeerTable builds a table from explicit entries.
func NewPeerTable(peers []Peer) (*PeerTable, error) {
	t := &PeerTable{
		byAccount: make(map[string]Peer, len(peers)),
		byName:    make(map[string]Peer, len(peers)),
	}
	for _, p := range peers {
		if p.AccountID == "" || p.InboundTopicID == "" {
			return nil, fmt.Errorf("config: peer %q needs accountId and inboundTopic", p.Name)
		}
		if _, dup := t.byAccount[p.AccountID]; dup {
			return nil, fmt.Errorf("config: duplicate peer account %s", p.AccountID)
		}
		t.peers = append(t.peers, p)
		t.byAccount[p.AccountID] = p
		if p.Name != "" {
			t.byName[p.Name] = p
		}
	}
	return t, nil
}

type peersFile struct {
	Peers []Peer `yaml:"peers"`
}

// LoadPeers reads the peer table from a YAML file:
//
//	peers:
//	  - name: worker
//	    accountId: "0.0.1002"
//	    inboundTopic: "0.0.2002"
func LoadPeers(path string) (*PeerTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read peers file: %w", err)
	}
	var f peersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse peers file %s: %w", path, err)
	}
	return NewPeerTable(f.Peers)
}

// Lookup finds a peer by ledger account id.
func (t *PeerTable) Lookup(accountID string) (Peer, bool) {
	p, ok := t.byAccount[accountID]
	return p, ok
}

// LookupName finds a peer by logical name.
func (t *PeerTable) LookupName(name string) (Peer, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// All returns every peer in declaration order.
func (t *PeerTable) All() []Peer {
	return t.peers
}

// Len returns the number of peers.
func (t *PeerTable) Len() int {
	return len(t.peers)
}

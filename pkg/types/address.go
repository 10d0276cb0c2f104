// Package types holds shared value types used across the engine.
package types

import "strings"

// Address identifies a node on the mixnet: the transport-level peer id and
// the on-chain native address it reports.
type Address struct {
	PeerID string `json:"peer_id"`
	Native string `json:"native"`
}

// NewAddress creates an Address with the native part normalized to lower case.
// On-chain addresses are case-insensitive hex; the subgraph returns them lower
// cased while the node API may not.
func NewAddress(peerID, native string) Address {
	return Address{PeerID: peerID, Native: strings.ToLower(native)}
}

// IsZero reports whether the address carries no identity at all.
func (a Address) IsZero() bool {
	return a.PeerID == "" && a.Native == ""
}

func (a Address) String() string {
	return a.PeerID
}

// Short returns an abbreviated peer id for log lines.
func (a Address) Short() string {
	if len(a.PeerID) <= 10 {
		return a.PeerID
	}
	return a.PeerID[:4] + ".." + a.PeerID[len(a.PeerID)-4:]
}

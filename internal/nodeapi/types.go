package nodeapi

// Addresses are the identities a node reports about itself.
type Addresses struct {
	PeerID string `json:"peer_id"`
	Native string `json:"native"`
}

// Info is the node's self-description.
type Info struct {
	Version string `json:"version"`
	Network string `json:"network"`
}

// PeerRecord is one entry of the node's peer listing.
type PeerRecord struct {
	PeerID          string  `json:"peer_id"`
	PeerAddress     string  `json:"peer_address"`
	ReportedVersion string  `json:"reported_version"`
	Quality         float64 `json:"quality"`
}

// ChannelStatus is the remote channel state reported by the node.
type ChannelStatus string

const (
	ChannelOpen           ChannelStatus = "Open"
	ChannelPendingToClose ChannelStatus = "PendingToClose"
	ChannelClosed         ChannelStatus = "Closed"
)

// IsOpen reports whether the channel carries funds that count toward stake.
func (s ChannelStatus) IsOpen() bool { return s == ChannelOpen }

// IsPending reports whether the channel awaits closure confirmation.
func (s ChannelStatus) IsPending() bool { return s == ChannelPendingToClose }

// IsClosed reports whether the channel is gone.
func (s ChannelStatus) IsClosed() bool { return s == ChannelClosed }

// Channel is one edge of the payment channel graph.
type Channel struct {
	ID                 string        `json:"id"`
	SourcePeerID       string        `json:"source_peer_id"`
	SourceAddress      string        `json:"source_address"`
	DestinationPeerID  string        `json:"destination_peer_id"`
	DestinationAddress string        `json:"destination_address"`
	Status             ChannelStatus `json:"status"`
	// Balance is a wei-denominated decimal string, as the node reports it.
	Balance string `json:"balance"`
}

// ChannelGraph is the full channel listing of one node.
type ChannelGraph struct {
	All []Channel `json:"all"`
}

// Balances groups the token balances of a node and its safe.
type Balances struct {
	Native             float64 `json:"native"`
	Token              float64 `json:"token"`
	SafeNative         float64 `json:"safe_native"`
	SafeToken          float64 `json:"safe_token"`
	SafeTokenAllowance float64 `json:"safe_token_allowance"`
}

// InboxMessage is one message waiting in the node's inbox.
type InboxMessage struct {
	Body       string `json:"body"`
	ReceivedAt int64  `json:"received_at"`
}

// SessionProtocol selects the session transport.
type SessionProtocol string

const (
	SessionUDP SessionProtocol = "udp"
	SessionTCP SessionProtocol = "tcp"
)

// SessionRequest describes the relay circuit to open.
type SessionRequest struct {
	Destination string          `json:"destination"`
	Relayer     string          `json:"relayer"`
	Protocol    SessionProtocol `json:"protocol"`
	ListenHost  string          `json:"listen_host"`
}

// Session is the remote handle of an open relay circuit.
type Session struct {
	Target   string          `json:"target"`
	Relayer  string          `json:"relayer"`
	Protocol SessionProtocol `json:"protocol"`
	IP       string          `json:"ip"`
	Port     int             `json:"port"`
}

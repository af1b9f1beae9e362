package models

// Peer is the remote side of a negotiated connection.
type Peer struct {
	PeerID       string `json:"peer_id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	LastPingUnix int64  `json:"last_ping_unix"`
	Online       bool   `json:"online"`
}

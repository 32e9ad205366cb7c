package handoff

import "time"

// Role identifies which side of the handoff a session plays.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleCompanion Role = "companion"
)

// ParseRole maps wire values (including the legacy desktop/mobile names) to a Role.
func ParseRole(raw string) (Role, bool) {
	switch raw {
	case "primary", "desktop", "home":
		return RolePrimary, true
	case "companion", "mobile":
		return RoleCompanion, true
	default:
		return "", false
	}
}

type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// Session is the client-side view of one relay connection.
type Session struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role"`
	PeerSessionID string          `json:"peer_session_id,omitempty"`
	Connection    ConnectionState `json:"connection_state"`
}

// Paired reports whether a peer has announced itself.
func (s Session) Paired() bool {
	return s.PeerSessionID != ""
}

// PairingRecord is derived from a pairing event and only cached in Session.PeerSessionID.
type PairingRecord struct {
	PrimarySessionID   string    `json:"primary_session_id"`
	CompanionSessionID string    `json:"companion_session_id"`
	EstablishedAt      time.Time `json:"established_at"`
}

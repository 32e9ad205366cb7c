package session

// StatusResponse is the liveness payload served for a session id.
type StatusResponse struct {
	IsActive bool `json:"is_active"`
}

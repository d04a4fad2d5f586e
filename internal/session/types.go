package session

// MintRequest is the optional payload of POST /v1/sessions.
type MintRequest struct {
	Persona string `json:"persona"`
}

// MintResponse tells a client which id and websocket path to connect with.
type MintResponse struct {
	SessionID       string `json:"session_id"`
	Persona         string `json:"persona"`
	WSPath          string `json:"ws_path"`
	InactivityTTLMS int64  `json:"inactivity_ttl_ms"`
}

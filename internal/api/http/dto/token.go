package dto

import "time"

// TokenResponse never carries the token value itself, only its fingerprint.
// The one exception is CreateTokenResponse: a manually created token is shown
// once so the operator can hand it to the agent.
type TokenResponse struct {
	Hostname         string    `json:"hostname"`
	State            string    `json:"state"`
	TokenFingerprint string    `json:"token_fingerprint"`
	RequestedIP      string    `json:"requested_ip,omitempty"`
	Connected        bool      `json:"connected"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type ListTokensResponse struct {
	Tokens []TokenResponse `json:"tokens"`
	Count  int             `json:"count"`
}

type CreateTokenRequest struct {
	Hostname string `json:"hostname" binding:"required"`
}

type CreateTokenResponse struct {
	Hostname string `json:"hostname"`
	Token    string `json:"token"`
}

package api

import "time"

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ProfileResponse is the signed-in user's profile.
type ProfileResponse struct {
	Sub     string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	Role    string `json:"role"`
}

// AccessTokenResponse carries a bearer token for the frontend.
type AccessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Company is the frontend's view of a backend company record.
type Company struct {
	CompanyID   string `json:"companyId"`
	CompanyName string `json:"companyName"`
	Ticker      string `json:"ticker"`
	Sector      string `json:"sector"`
	LogoURL     string `json:"logoUrl"`
}

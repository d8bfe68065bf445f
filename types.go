package codeshare

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized matches any *APIError carrying a 401 status.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoRefreshToken is returned by RefreshAccessToken when the session
	// holds no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrNotAuthenticated is returned by operations that need a session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthRequired is returned when subscribing to an authenticated-only
	// topic without a valid session.
	ErrAuthRequired = errors.New("authentication required")

	// ErrUnknownTopic is returned for topic kinds the server does not serve.
	ErrUnknownTopic = errors.New("unknown topic kind")
)

// APIError represents a non-2xx response from the REST API.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Is reports 401 responses as ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// ============================================================================
// API envelope
// ============================================================================

// apiResponse is the envelope the server wraps every REST response in.
type apiResponse struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *apiResponse) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return fmt.Errorf("no data received from server")
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users & Auth
// ============================================================================

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by the login, signup and refresh endpoints.
type AuthResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ============================================================================
// Snippets
// ============================================================================

type Snippet struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Language  string `json:"language,omitempty"`
	Author    string `json:"author"`
	Likes     int    `json:"likes"`
	Views     int    `json:"views,omitempty"`
	IsLiked   bool   `json:"isLiked"`
	IsSaved   bool   `json:"isSaved,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// LikeAction is the action query value of the like endpoint.
type LikeAction string

const (
	ActionLike   LikeAction = "like"
	ActionUnlike LikeAction = "unlike"
)

// SaveAction is the action query value of the save endpoint.
type SaveAction string

const (
	ActionSave   SaveAction = "save"
	ActionUnsave SaveAction = "unsave"
)

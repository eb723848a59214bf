package model

// UserProfile is the minimal projection of an externally managed identity,
// consumed for display only (name, email, avatar).
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar,omitempty"`
}

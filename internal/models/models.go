package models

import "time"

type User struct {
	ID        int64
	Name      string
	Email     string
	Username  string
	PassHash  []byte
	CreatedAt time.Time
}

// PublicUser is the external representation of a user. The password hash
// never leaves the service.
type PublicUser struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Username  string    `json:"userName"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
	}
}

type RefreshToken struct {
	Token     string
	JTI       string
	UserID    int64
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type Message struct {
	Email    string `json:"to"`
	Username string `json:"username"`
	Purpose  string `json:"purpose"`
}

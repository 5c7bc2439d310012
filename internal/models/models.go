package models

import "time"

// Config holds the server configuration loaded from the environment.
type Config struct {
	Port            string
	DBPath          string
	AdminUser       string
	AdminPass       string
	AuthEnabled     bool
	BuilderCommand  string   // external build tool invoked once per build
	BuilderArgs     []string // fixed arguments placed before the volume path
	VolumesDir      string   // per-build volume directories live here
	ArtifactsDir    string   // local blob store root
	ArtifactBaseURL string   // public URL prefix for uploaded artifacts
	MaxConcurrent   int      // simultaneous container builds
}

// User represents an authenticated user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session represents an active user session
type Session struct {
	Token     string    `json:"token"`
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"time"

	"forge/internal/db"
	"forge/internal/models"
)

// GenerateToken creates a secure random token
func GenerateToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GetSession retrieves a session by token
func GetSession(token string) *models.Session {
	if token == "" {
		return nil
	}

	var session models.Session
	var isAdmin int
	var expiresAt string

	err := db.DB.QueryRow(`
		SELECT s.token, s.user_id, u.username, u.is_admin, s.expires_at
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.token = ? AND s.expires_at > datetime('now')
	`, token).Scan(&session.Token, &session.UserID, &session.Username, &isAdmin, &expiresAt)

	if err != nil {
		return nil
	}

	session.IsAdmin = isAdmin == 1
	session.ExpiresAt, _ = time.Parse("2006-01-02 15:04:05", expiresAt)
	return &session
}

// CreateSession creates a new session for a user
func CreateSession(userID int) (string, time.Time, error) {
	token := GenerateToken()
	expiresAt := time.Now().Add(24 * time.Hour * 7)

	_, err := db.DB.Exec(
		"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, expiresAt.Format("2006-01-02 15:04:05"),
	)
	return token, expiresAt, err
}

// DeleteSession removes a session
func DeleteSession(token string) {
	db.DB.Exec("DELETE FROM sessions WHERE token = ?", token)
}

// CleanupExpiredSessions removes expired sessions from the database
func CleanupExpiredSessions() {
	db.DB.Exec("DELETE FROM sessions WHERE expires_at < datetime('now')")
}

// CreateDefaultAdmin creates the initial admin user if none exists
func CreateDefaultAdmin(config models.Config) {
	var count int
	db.DB.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	if count > 0 {
		return
	}

	password := config.AdminPass
	if password == "" {
		password = GenerateToken()[:12]
		log.Printf("🔑 Generated admin password: %s", password)
		log.Printf("   Set ADMIN_PASS environment variable to use a custom password")
	}

	hash, err := HashPassword(password)
	if err != nil {
		log.Printf("⚠️  Could not hash admin password: %v", err)
		return
	}

	_, err = db.DB.Exec(
		"INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, 1)",
		config.AdminUser, hash,
	)
	if err != nil {
		log.Printf("⚠️  Could not create admin user: %v", err)
	} else {
		log.Printf("✓ Created admin user: %s", config.AdminUser)
	}
}

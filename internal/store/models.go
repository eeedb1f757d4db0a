package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Entry is one journaled thought, owned by the user identity in UserEmail.
type Entry struct {
	ID            int64
	UserEmail     string
	Text          string
	CreatedAt     time.Time
	CompetencyIDs []int64
}

// Competency is reference data from a fixed catalog, never user-owned.
type Competency struct {
	ID          int64
	Skill       string
	Description string
}

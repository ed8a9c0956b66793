package model

import "time"

// Roles a user may hold. Role checks beyond ownership are outside the ingestion core.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an account. Users are created by the external auth service;
// the ingestion core only reads them.
type User struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"size:100;uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"size:255;not null"`
	Role         string    `json:"role" gorm:"size:20;default:'user'"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName pins the table name.
func (User) TableName() string {
	return "users"
}

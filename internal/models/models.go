// Package models holds the platform records the chat layer reads. They are
// owned by the rental platform; chat code never writes them.
package models

import "time"

type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(128);not null" json:"name"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

type Property struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	AgentID   uint64    `gorm:"index;not null" json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Property) TableName() string { return "properties" }

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Application is a tenant's rental application for a property.
type Application struct {
	ID         string            `gorm:"primaryKey;size:26" json:"id"`
	TenantID   uint64            `gorm:"index;not null" json:"tenant_id"`
	PropertyID uint64            `gorm:"index;not null" json:"property_id"`
	Status     ApplicationStatus `gorm:"type:varchar(16);not null;default:pending" json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (Application) TableName() string { return "applications" }

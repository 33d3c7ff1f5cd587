// Package model defines the records kept by the chat backend and the
// validation rules applied to them at the HTTP boundary.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports malformed or incomplete input. Requests failing
// validation are rejected before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Password length bounds in bytes. bcrypt rejects secrets longer than 72
// bytes.
const (
	MinPasswordLength = 6
	MaxPasswordLength = 72
)

// User is an account record keyed by username. PasswordHash is a bcrypt hash
// and never serialised to clients; see PublicUser.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"fullName,omitempty"`
	ProfilePic   string    `json:"profilePic,omitempty"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicUser is the client-facing view of a User.
type PublicUser struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	FullName   string    `json:"fullName,omitempty"`
	ProfilePic string    `json:"profilePic,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Public returns the client-facing view of u.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:         u.ID,
		Username:   u.Username,
		FullName:   u.FullName,
		ProfilePic: u.ProfilePic,
		CreatedAt:  u.CreatedAt,
	}
}

// Credentials is the body of signup and login requests.
type Credentials struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Password string `json:"password"`
}

// Normalize trims surrounding whitespace from identifying fields.
func (c *Credentials) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Username = strings.TrimSpace(c.Username)
	c.FullName = strings.TrimSpace(c.FullName)
}

// ValidateSignup checks the fields required to create an account.
func (c Credentials) ValidateSignup() error {
	if c.Username == "" {
		return invalid("username", "is required")
	}
	if strings.ContainsAny(c.Username, " \t\r\n") {
		return invalid("username", "must not contain whitespace")
	}
	if len(c.Password) < MinPasswordLength {
		return invalid("password", fmt.Sprintf("must be at least %d characters", MinPasswordLength))
	}
	if len(c.Password) > MaxPasswordLength {
		return invalid("password", fmt.Sprintf("must be at most %d bytes", MaxPasswordLength))
	}
	return nil
}

// ValidateLogin checks that both login factors are present.
func (c Credentials) ValidateLogin() error {
	if c.Username == "" || c.Password == "" {
		return &ValidationError{Message: "username and password are required"}
	}
	return nil
}

// ProfileUpdate is the body of a profile update request. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	FullName   *string `json:"fullName,omitempty"`
	ProfilePic *string `json:"profilePic,omitempty"`
}

// Validate rejects an update that changes nothing.
func (p ProfileUpdate) Validate() error {
	if p.FullName == nil && p.ProfilePic == nil {
		return &ValidationError{Message: "nothing to update"}
	}
	if p.ProfilePic != nil && strings.TrimSpace(*p.ProfilePic) == "" {
		return invalid("profilePic", "must not be empty")
	}
	return nil
}

// Apply returns u with the update's fields applied.
func (p ProfileUpdate) Apply(u User, now time.Time) User {
	if p.FullName != nil {
		u.FullName = strings.TrimSpace(*p.FullName)
	}
	if p.ProfilePic != nil {
		u.ProfilePic = strings.TrimSpace(*p.ProfilePic)
	}
	u.UpdatedAt = now
	return u
}

// FoodItem is a catalog entry uploaded by a farmer.
type FoodItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	FarmerID string  `json:"farmer_id"`
}

// Validate checks a food item before it is stored. The ID may be empty; the
// caller assigns one.
func (f FoodItem) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return invalid("name", "is required")
	}
	if f.Price < 0 {
		return invalid("price", "must not be negative")
	}
	if f.FarmerID == "" {
		return invalid("farmer_id", "is required")
	}
	return nil
}

// Order is a consumer's order for one food item.
type Order struct {
	ID         string  `json:"id"`
	FoodID     string  `json:"food_id"`
	ConsumerID string  `json:"consumer_id"`
	Amount     float64 `json:"amount"`
}

// Validate checks an order before it is stored.
func (o Order) Validate() error {
	if strings.TrimSpace(o.FoodID) == "" {
		return invalid("food_id", "is required")
	}
	if o.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if o.ConsumerID == "" {
		return invalid("consumer_id", "is required")
	}
	return nil
}

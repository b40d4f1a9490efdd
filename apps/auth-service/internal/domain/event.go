package domain

import "time"

// AccountEventType names a change to an account
type AccountEventType string

const (
	EventUserRegistered AccountEventType = "user.registered"
	EventUserLoggedIn   AccountEventType = "user.logged_in"
	EventUserLoggedOut  AccountEventType = "user.logged_out"
	EventUserBanned     AccountEventType = "user.banned"
	EventUserUnbanned   AccountEventType = "user.unbanned"
)

// AccountEvent is published whenever an account changes state
type AccountEvent struct {
	ID         string           `json:"id"`
	Type       AccountEventType `json:"type"`
	UserID     string           `json:"user_id"`
	ActorID    string           `json:"actor_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewAccountEvent creates an event stamped with the current time
func NewAccountEvent(id string, eventType AccountEventType, userID, actorID string) *AccountEvent {
	return &AccountEvent{
		ID:         id,
		Type:       eventType,
		UserID:     userID,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
	}
}

// Key is the partition key, so one user's events stay ordered
func (e *AccountEvent) Key() string {
	return e.UserID
}

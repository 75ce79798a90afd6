// Package api defines the records relayd accepts and the JSON bodies its
// ingestion endpoints return.
package api

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrMissingIdentity is returned when a record has neither user id nor email.
	ErrMissingIdentity = errors.New("record requires a user id or an email")
	// ErrMissingGroupID is returned when a group record has no group id.
	ErrMissingGroupID = errors.New("group record requires a group id")
	// ErrMissingEvent is returned when a track record has no event name.
	ErrMissingEvent = errors.New("track record requires an event name")
)

// Context carries the client details captured alongside a record.
type Context struct {
	// IP is the client address last seen for the user.
	IP string `json:"ip,omitempty"`
	// UserAgent is the client user agent last seen for the user.
	UserAgent string `json:"user_agent,omitempty"`
	// Active marks the record as caused by the user; nil means true.
	Active *bool `json:"active,omitempty"`
}

// IsActive reports whether the record reflects user activity.
func (c Context) IsActive() bool {
	return c.Active == nil || *c.Active
}

// Identify is a user profile update.
type Identify struct {
	// UserID is the stable user identifier.
	UserID string `json:"user_id,omitempty"`
	// Email identifies the user when no UserID is known.
	Email string `json:"email,omitempty"`
	// Traits are the profile attributes to upsert.
	Traits map[string]any `json:"traits,omitempty"`
	// Context holds client details.
	Context Context `json:"context,omitzero"`
	// Timestamp is when the update happened; zero means "now".
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ResolvedEmail returns Email, or the email trait when Email is empty.
func (i Identify) ResolvedEmail() string {
	return firstNonEmpty(i.Email, stringField(i.Traits, "email"), emailLike(i.UserID))
}

// Identity returns the user id, falling back to the resolved email.
func (i Identify) Identity() string {
	return firstNonEmpty(strings.TrimSpace(i.UserID), i.ResolvedEmail())
}

// Validate checks the record can be dispatched.
func (i Identify) Validate() error {
	if i.Identity() == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Group is a group (company) update for the user that belongs to it.
type Group struct {
	// UserID is the member user's identifier.
	UserID string `json:"user_id,omitempty"`
	// Email identifies the member user when no UserID is known.
	Email string `json:"email,omitempty"`
	// GroupID is the stable group identifier.
	GroupID string `json:"group_id"`
	// Traits are the group attributes to upsert.
	Traits map[string]any `json:"traits,omitempty"`
	// Context holds client details.
	Context Context `json:"context,omitzero"`
	// Timestamp is when the update happened; zero means "now".
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ResolvedEmail returns Email, or UserID when it looks like an address.
func (g Group) ResolvedEmail() string {
	return firstNonEmpty(g.Email, emailLike(g.UserID))
}

// Identity returns the member user's identity.
func (g Group) Identity() string {
	return firstNonEmpty(strings.TrimSpace(g.UserID), g.ResolvedEmail())
}

// Validate checks the record can be dispatched.
func (g Group) Validate() error {
	if strings.TrimSpace(g.GroupID) == "" {
		return ErrMissingGroupID
	}
	if g.Identity() == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Track is a behavioural event.
type Track struct {
	// UserID is the acting user's identifier.
	UserID string `json:"user_id,omitempty"`
	// Email identifies the acting user when no UserID is known.
	Email string `json:"email,omitempty"`
	// Event is the event name.
	Event string `json:"event"`
	// Properties are forwarded as event metadata.
	Properties map[string]any `json:"properties,omitempty"`
	// Context holds client details.
	Context Context `json:"context,omitzero"`
	// Timestamp is when the event happened; zero means "now".
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// ResolvedEmail returns Email, or the email property when Email is empty.
func (t Track) ResolvedEmail() string {
	return firstNonEmpty(t.Email, stringField(t.Properties, "email"), emailLike(t.UserID))
}

// Identity returns the user id, falling back to the resolved email.
func (t Track) Identity() string {
	return firstNonEmpty(strings.TrimSpace(t.UserID), t.ResolvedEmail())
}

// Validate checks the record can be dispatched.
func (t Track) Validate() error {
	if t.Identity() == "" {
		return ErrMissingIdentity
	}
	if strings.TrimSpace(t.Event) == "" {
		return ErrMissingEvent
	}
	return nil
}

// DispatchResponse is returned by the ingestion endpoints on success.
type DispatchResponse struct {
	// Status is the HTTP status the remote answered with.
	Status int `json:"status"`
	// Path names how the record reached the remote (sync, job_created, job_appended, job_recreated).
	Path string `json:"path"`
	// JobID is the bulk job the record was added to, when any.
	JobID string `json:"job_id,omitempty"`
	// CorrelationID echoes the request correlation identifier.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Remote is the remote response body.
	Remote json.RawMessage `json:"remote,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx ingestion response.
type ErrorResponse struct {
	// ErrorCode is the stable relayd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RemoteStatus is the remote HTTP status when the remote rejected the record.
	RemoteStatus int `json:"remote_status,omitempty"`
	// RetryAfterSeconds is the retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
	// CorrelationID echoes the request correlation identifier.
	CorrelationID string `json:"correlation_id,omitempty"`
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func emailLike(s string) string {
	s = strings.TrimSpace(s)
	if at := strings.IndexByte(s, '@'); at > 0 && at < len(s)-1 {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

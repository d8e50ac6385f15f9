// Package provision maps validated token claims onto local user accounts:
// it derives stable local user ids, creates or updates the account from the
// provider's claim mapping, and synchronizes group memberships.
package provision

import (
	"context"
)

// LocalUser is the local account shape the engine maintains.
type LocalUser struct {
	ID          string
	DisplayName string
	Email       string
	Quota       string
}

// Users is the local account backend.
type Users interface {
	// Get returns the user or oidc.ErrNotFound.
	Get(ctx context.Context, uid string) (*LocalUser, error)
	Create(ctx context.Context, u *LocalUser) error
	Update(ctx context.Context, u *LocalUser) error
}

// Groups is the local group backend.
type Groups interface {
	// GroupsOf returns the ids of all groups the user belongs to.
	GroupsOf(ctx context.Context, uid string) ([]string, error)
	Exists(ctx context.Context, gid string) (bool, error)
	Create(ctx context.Context, gid, displayName string) error
	AddMember(ctx context.Context, gid, uid string) error
	RemoveMember(ctx context.Context, gid, uid string) error
	SetDisplayName(ctx context.Context, gid, displayName string) error
}

// Attribute names passed to override listeners.
const (
	AttributeEmail       = "email"
	AttributeDisplayName = "displayName"
	AttributeQuota       = "quota"
)

// AttributeEvent is handed to override listeners before an attribute is
// applied to the local account.  Listeners may replace the value or stop the
// remaining listeners from running.
type AttributeEvent struct {
	// UID is the derived local user id.
	UID string

	// Attribute names what is being set, one of the Attribute* constants.
	Attribute string

	// Claims are all claims of the validated token, read-only by
	// convention.
	Claims map[string]interface{}

	value    string
	hasValue bool
	stopped  bool
}

// Value returns the current value and whether one is set at all.
func (e *AttributeEvent) Value() (string, bool) { return e.value, e.hasValue }

// SetValue overrides the attribute value.  An empty value is ignored, so a
// listener can never blank out what an earlier listener or the token
// provided.
func (e *AttributeEvent) SetValue(v string) {
	if v == "" {
		return
	}
	e.value = v
	e.hasValue = true
}

// StopPropagation keeps the remaining listeners from running.
func (e *AttributeEvent) StopPropagation() { e.stopped = true }

// OverrideListener hooks into attribute application.  Listeners run in
// registration order; the last value wins unless a listener stops
// propagation.
type OverrideListener interface {
	AttributeOverride(e *AttributeEvent)
}

// OverrideListenerFunc adapts a function to the OverrideListener interface.
type OverrideListenerFunc func(e *AttributeEvent)

// AttributeOverride implements OverrideListener.
func (f OverrideListenerFunc) AttributeOverride(e *AttributeEvent) { f(e) }

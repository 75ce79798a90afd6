// Package keys builds every coordination-store key relayd reads or writes.
//
// Layout:
//
//	{account}                         rate budget record
//	{account}:{identity}              profile/event lock
//	{account}:groups:{identity}       group lock
//	{account}:jobs:users:{identity}   open user bulk job
//	{account}:jobs:events:{identity}  open event bulk job
//
// Components are escaped so a ':' inside an account or identity can never
// make two different keys collide.
package keys

import "strings"

// JobKind distinguishes the two bulk job families.
type JobKind string

const (
	// JobUsers is the user-profile bulk job family.
	JobUsers JobKind = "users"
	// JobEvents is the event bulk job family.
	JobEvents JobKind = "events"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobUsers || k == JobEvents
}

var escaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Escape encodes one key component.
func Escape(component string) string {
	return escaper.Replace(component)
}

// RateBudget returns the key of the account's rate budget record.
func RateBudget(account string) string {
	return Escape(account)
}

// Lock returns the profile/event lock key for identity.
func Lock(account, identity string) string {
	return Escape(account) + ":" + Escape(identity)
}

// GroupLock returns the group lock key for a group identity.
func GroupLock(account, identity string) string {
	return Escape(account) + ":groups:" + Escape(identity)
}

// Job returns the registry key for identity's open job of the given kind.
func Job(account string, kind JobKind, identity string) string {
	return Escape(account) + ":jobs:" + string(kind) + ":" + Escape(identity)
}

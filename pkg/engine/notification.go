package engine

import "github.com/mirrorkit/mirrorkit/pkg/diff"

// NotificationKind identifies what a notification reports.
type NotificationKind string

const (
	// NotificationInSync reports a status transition to Synchronized.
	NotificationInSync NotificationKind = "in_sync"

	// NotificationOutOfSync reports a status transition to
	// Desynchronized, optionally carrying the triggering error.
	NotificationOutOfSync NotificationKind = "out_of_sync"

	// NotificationReset reports a successful full resync carrying the new
	// snapshot. It always precedes the matching in_sync notification.
	NotificationReset NotificationKind = "reset"

	// NotificationChange reports an applied update carrying the change
	// list and the updated snapshot.
	NotificationChange NotificationKind = "change"

	// NotificationError reports an exhausted resync attempt budget
	// carrying the final fetch error.
	NotificationError NotificationKind = "error"
)

// Notification is a single observable engine event. Snapshot and Changes are
// read-only views owned by the engine; subscribers must not modify them.
type Notification struct {
	Kind NotificationKind

	// Status is set on in_sync and out_of_sync notifications.
	Status Status

	// Err carries the triggering error on out_of_sync and error
	// notifications.
	Err error

	// Snapshot is set on reset and change notifications.
	Snapshot diff.Snapshot

	// Changes is set on change notifications.
	Changes diff.ChangeList
}

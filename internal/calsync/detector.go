package calsync

import (
	"strings"
	"time"
)

const DefaultConflictWindow = 60 * time.Second

type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Detection is the detector's verdict for one local/remote pair.
type Detection struct {
	Conflict  bool
	Type      ConflictType
	Suggested StrategyName
	// Winner is the side a forward update should keep when there is no
	// conflict.
	Winner Side
	Reason string
}

// Detect compares a pending local mutation with the provider's snapshot of the
// same event. It has no side effects.
func Detect(local Mutation, remote *RemoteEvent, window time.Duration) Detection {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	if remote == nil {
		return Detection{Winner: SideLocal, Reason: "no remote snapshot"}
	}
	if remote.Deleted {
		return Detection{Winner: SideRemote, Reason: "remote deletion is authoritative"}
	}

	switch local.Op {
	case OpDelete:
		if local.Base != nil && sameContent(*local.Base, remote.Event) {
			return Detection{Winner: SideLocal, Reason: "remote unchanged since base"}
		}
		return Detection{
			Conflict:  true,
			Type:      ConflictDeletion,
			Suggested: StrategyRemote,
			Reason:    "local delete of a remotely modified event",
		}
	case OpCreate:
		if sameContent(local.Event, remote.Event) {
			return Detection{Winner: SideRemote, Reason: "local creation already present remotely"}
		}
		return Detection{
			Conflict:  true,
			Type:      ConflictCreation,
			Suggested: StrategyMerge,
			Reason:    "identity created on both sides",
		}
	}

	if sameContent(local.Event, remote.Event) {
		return Detection{Winner: newerSide(local, *remote), Reason: "contents converged"}
	}
	if local.Base != nil && sameContent(*local.Base, remote.Event) {
		return Detection{Winner: SideLocal, Reason: "remote unchanged since base"}
	}

	if local.Version != remote.Version && !local.LastModified.Equal(remote.LastModified) {
		suggested := StrategyLocal
		if newerSide(local, *remote) == SideRemote {
			suggested = StrategyRemote
		}
		return Detection{
			Conflict:  true,
			Type:      ConflictTimestamp,
			Suggested: suggested,
			Reason:    "both sides hold a newer version",
		}
	}

	if diff := contentDiff(local.Event, remote.Event); len(diff) > 0 && withinWindow(local.LastModified, remote.LastModified, window) {
		return Detection{
			Conflict:  true,
			Type:      ConflictContent,
			Suggested: StrategyMerge,
			Reason:    "concurrent edits to " + strings.Join(diff, ","),
		}
	}

	return Detection{Winner: newerSide(local, *remote), Reason: "forward update"}
}

// newerSide orders by LastModified. Exact ties fall back to the logical
// clocks when both sides carry one, then to the higher version, then to the
// local side.
func newerSide(local Mutation, remote RemoteEvent) Side {
	switch {
	case local.LastModified.After(remote.LastModified):
		return SideLocal
	case remote.LastModified.After(local.LastModified):
		return SideRemote
	}
	if !local.Clock.IsZero() && !remote.Clock.IsZero() {
		if remote.Clock.Compare(local.Clock) > 0 {
			return SideRemote
		}
		return SideLocal
	}
	switch {
	case remote.Version > local.Version:
		return SideRemote
	default:
		return SideLocal
	}
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

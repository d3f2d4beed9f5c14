package calsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Resolution is the outcome of applying a strategy to a ConflictRecord,
// including the audit trail.
type Resolution struct {
	ID             string       `json:"id"`
	ConflictID     string       `json:"conflictId"`
	EventID        string       `json:"eventId"`
	Event          Event        `json:"event"`
	Op             Operation    `json:"op"`
	Version        int64        `json:"version"`
	Strategy       StrategyName `json:"strategy"`
	ConflictReason ConflictType `json:"conflictReason"`
	Details        []string     `json:"resolutionDetails"`
	Blocked        bool         `json:"blocked,omitempty"`
	ResolvedAt     time.Time    `json:"resolvedAt"`
}

// ResolutionID derives a stable id for applying strategy to the conflict, so
// re-applying the same pair is recognised instead of bumping the version again.
func ResolutionID(conflictID string, strategy Strategy) string {
	key := conflictID + "|" + string(strategy.Name())
	if m, ok := strategy.(Merge); ok {
		key += "|" + m.Policy.Normalize().String()
	}
	sum := sha256.Sum256([]byte(key))
	return "res_" + hex.EncodeToString(sum[:12])
}

// Resolve applies strategy to rec. It is pure: the same record and strategy
// always yield the same resolved event and version.
func Resolve(rec ConflictRecord, strategy Strategy, now time.Time) Resolution {
	if strategy == nil {
		strategy = Manual{}
	}
	local := rec.Local.Event.Clone()
	remote := rec.Remote.Event.Clone()
	local.ID = rec.EventID
	remote.ID = rec.EventID
	if remote.CreatedAt.IsZero() {
		remote.CreatedAt = local.CreatedAt
	}
	bumped := max(rec.Local.Version, rec.Remote.Version) + 1

	res := Resolution{
		ID:             ResolutionID(rec.ID, strategy),
		ConflictID:     rec.ID,
		EventID:        rec.EventID,
		Strategy:       strategy.Name(),
		ConflictReason: rec.Type,
		ResolvedAt:     now.UTC(),
	}

	switch s := strategy.(type) {
	case LocalWins:
		res.Event = local
		res.Version = bumped
		res.Op = OpUpdate
		if rec.Local.Op == OpDelete {
			res.Op = OpDelete
		}
		res.Details = []string{"kept local fields"}
	case RemoteWins:
		res.Event = remote
		res.Version = rec.Remote.Version + 1
		res.Op = OpUpdate
		res.Details = []string{"adopted remote fields"}
	case Merge:
		res.Version = bumped
		res.Op = OpUpdate
		if rec.Local.Op == OpDelete {
			res.Event = remote
			res.Details = []string{"local deletion cannot be merged; kept remote fields"}
			break
		}
		res.Event, res.Details = mergeEvents(rec, local, remote, s.Policy.Normalize())
	case Manual:
		res.Event = local
		res.Version = rec.Local.Version
		res.Op = rec.Local.Op
		res.Blocked = true
		res.Details = []string{"awaiting manual resolution; local copy kept, push blocked"}
	default:
		panic(fmt.Sprintf("calsync: unhandled strategy %T", strategy))
	}
	res.Event.Version = res.Version
	if !res.Blocked {
		res.Event.UpdatedAt = res.ResolvedAt
	}
	return res
}

func mergeEvents(rec ConflictRecord, local, remote Event, policy MergePolicy) (Event, []string) {
	base := rec.Local.Base
	newest := newerSide(rec.Local, rec.Remote)
	out := local
	if newest == SideRemote {
		out = remote
	}
	out.ID = rec.EventID
	out.CreatedAt = local.CreatedAt
	var details []string

	oneSided := func(localChanged, remoteChanged bool) (Side, bool) {
		if base == nil {
			return "", false
		}
		switch {
		case localChanged && !remoteChanged:
			return SideLocal, true
		case remoteChanged && !localChanged:
			return SideRemote, true
		}
		return "", false
	}

	// title
	side, ok := Side(""), false
	if base != nil {
		side, ok = oneSided(local.Title != base.Title, remote.Title != base.Title)
	}
	reason := "only " + string(side) + " changed"
	if !ok {
		reason = string(policy.Title)
		switch policy.Title {
		case TitleLocal:
			side = SideLocal
		case TitleRemote:
			side = SideRemote
		case TitleLongest:
			side = SideLocal
			if len(remote.Title) > len(local.Title) {
				side = SideRemote
			}
		default:
			side = newest
		}
	}
	out.Title = pickString(side, local.Title, remote.Title)
	details = append(details, fmt.Sprintf("title: %s (%s)", side, reason))

	// start/end move together so the interval stays well formed
	ok = false
	if base != nil {
		side, ok = oneSided(
			!local.Start.Equal(base.Start) || !local.End.Equal(base.End),
			!remote.Start.Equal(base.Start) || !remote.End.Equal(base.End),
		)
	}
	reason = "only " + string(side) + " changed"
	if !ok {
		reason = string(policy.Time)
		switch policy.Time {
		case TimeLocal:
			side = SideLocal
		case TimeRemote:
			side = SideRemote
		case TimeEarliest:
			side = SideLocal
			if remote.Start.Before(local.Start) || (remote.Start.Equal(local.Start) && remote.End.Before(local.End)) {
				side = SideRemote
			}
		case TimeLatest:
			side = SideLocal
			if remote.Start.After(local.Start) || (remote.Start.Equal(local.Start) && remote.End.After(local.End)) {
				side = SideRemote
			}
		default:
			side = newest
		}
	}
	if side == SideRemote {
		out.Start, out.End, out.AllDay = remote.Start, remote.End, remote.AllDay
	} else {
		out.Start, out.End, out.AllDay = local.Start, local.End, local.AllDay
	}
	details = append(details, fmt.Sprintf("start/end: %s (%s)", side, reason))

	// description
	ok = false
	if base != nil {
		side, ok = oneSided(local.Description != base.Description, remote.Description != base.Description)
	}
	if ok {
		out.Description = pickString(side, local.Description, remote.Description)
		details = append(details, fmt.Sprintf("description: %s (only %s changed)", side, side))
	} else {
		switch policy.Description {
		case DescriptionLocal:
			out.Description = local.Description
			details = append(details, "description: local (local)")
		case DescriptionRemote:
			out.Description = remote.Description
			details = append(details, "description: remote (remote)")
		case DescriptionConcatenate:
			out.Description = concatenateDescriptions(local.Description, remote.Description)
			details = append(details, "description: merged (concatenate)")
		default:
			side = SideLocal
			if len(remote.Description) > len(local.Description) {
				side = SideRemote
			}
			out.Description = pickString(side, local.Description, remote.Description)
			details = append(details, fmt.Sprintf("description: %s (longest)", side))
		}
	}

	// tags
	ok = false
	if base != nil {
		side, ok = oneSided(!sameStringSet(local.Tags, base.Tags), !sameStringSet(remote.Tags, base.Tags))
	}
	switch {
	case ok && side == SideLocal:
		out.Tags = normalizeStringSlice(local.Tags)
		details = append(details, "tags: local (only local changed)")
	case ok:
		out.Tags = normalizeStringSlice(remote.Tags)
		details = append(details, "tags: remote (only remote changed)")
	case policy.Tags == TagsLocal:
		out.Tags = normalizeStringSlice(local.Tags)
		details = append(details, "tags: local (local)")
	case policy.Tags == TagsRemote:
		out.Tags = normalizeStringSlice(remote.Tags)
		details = append(details, "tags: remote (remote)")
	default:
		out.Tags = normalizeStringSlice(append(append([]string(nil), local.Tags...), remote.Tags...))
		details = append(details, "tags: union")
	}

	// fields without a configurable policy follow the base, then the newest side
	if base != nil {
		if local.Location != base.Location && remote.Location == base.Location {
			out.Location = local.Location
		} else if remote.Location != base.Location && local.Location == base.Location {
			out.Location = remote.Location
		}
		if !sameAttendees(local.Attendees, base.Attendees) && sameAttendees(remote.Attendees, base.Attendees) {
			out.Attendees = local.Attendees
		} else if !sameAttendees(remote.Attendees, base.Attendees) && sameAttendees(local.Attendees, base.Attendees) {
			out.Attendees = remote.Attendees
		}
	}
	return out, details
}

func shortHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}

func pickString(side Side, local, remote string) string {
	if side == SideRemote {
		return remote
	}
	return local
}

func concatenateDescriptions(local, remote string) string {
	local = strings.TrimSpace(local)
	remote = strings.TrimSpace(remote)
	switch {
	case local == remote:
		return local
	case local == "":
		return remote
	case remote == "":
		return local
	case strings.Contains(local, remote):
		return local
	case strings.Contains(remote, local):
		return remote
	}
	return local + "\n\n---\n\n" + remote
}

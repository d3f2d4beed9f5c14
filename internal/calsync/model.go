package calsync

import (
	"sort"
	"strings"
	"time"
)

type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

type ParticipationStatus string

const (
	PartStatNeedsAction ParticipationStatus = "needs-action"
	PartStatAccepted    ParticipationStatus = "accepted"
	PartStatDeclined    ParticipationStatus = "declined"
	PartStatTentative   ParticipationStatus = "tentative"
	PartStatDelegated   ParticipationStatus = "delegated"
)

type Attendee struct {
	Email  string              `json:"email"`
	Name   string              `json:"name,omitempty"`
	Status ParticipationStatus `json:"status,omitempty"`
}

// Event is the canonical, provider-agnostic calendar event.
type Event struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId,omitempty"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	AllDay         bool              `json:"allDay,omitempty"`
	Location       string            `json:"location,omitempty"`
	Status         EventStatus       `json:"status,omitempty"`
	Attendees      []Attendee        `json:"attendees,omitempty"`
	Organizer      string            `json:"organizer,omitempty"`
	RecurrenceRule string            `json:"recurrenceRule,omitempty"`
	ExceptionDates []time.Time       `json:"exceptionDates,omitempty"`
	Reminders      []time.Duration   `json:"reminders,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (e Event) Clone() Event {
	out := e
	if e.Attendees != nil {
		out.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	if e.ExceptionDates != nil {
		out.ExceptionDates = append([]time.Time(nil), e.ExceptionDates...)
	}
	if e.Reminders != nil {
		out.Reminders = append([]time.Duration(nil), e.Reminders...)
	}
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Operation is the kind of local edit recorded in the mutation queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Mutation is a durable, device-tagged local edit awaiting acknowledgment.
type Mutation struct {
	ID           string    `json:"id"`
	EventID      string    `json:"eventId"`
	Op           Operation `json:"op"`
	Event        Event     `json:"event"`
	Version      int64     `json:"version"`
	Clock        Clock     `json:"clock"`
	DeviceID     string    `json:"deviceId"`
	LastModified time.Time `json:"lastModified"`
	Synced       bool      `json:"synced"`
	Conflicted   bool      `json:"conflicted"`
	Base         *Event    `json:"base,omitempty"`
	Calendar     string    `json:"calendar,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// RemoteEvent is a provider's current snapshot of one event.
type RemoteEvent struct {
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"providerEventId"`
	CalendarID      string    `json:"calendarId,omitempty"`
	Href            string    `json:"href,omitempty"`
	ETag            string    `json:"etag,omitempty"`
	Event           Event     `json:"event"`
	Version         int64     `json:"version"`
	LastModified    time.Time `json:"lastModified"`
	Deleted         bool      `json:"deleted,omitempty"`
	// Clock is this device's logical time when the change was received.
	Clock           Clock     `json:"clock,omitempty"`
}

type MappingStatus string

const (
	MappingLocal         MappingStatus = "local"
	MappingPendingRemote MappingStatus = "pending_remote"
	MappingSynced        MappingStatus = "synced"
	MappingConflict      MappingStatus = "conflict"
)

type ConflictData struct {
	Local  Event       `json:"local"`
	Remote RemoteEvent `json:"remote"`
}

// SyncMapping joins a provider's event identity to a canonical event.
type SyncMapping struct {
	Provider           string        `json:"provider"`
	ProviderEventID    string        `json:"providerEventId"`
	LocalEventID       string        `json:"localEventId"`
	CalendarID         string        `json:"calendarId,omitempty"`
	Href               string        `json:"href,omitempty"`
	ETag               string        `json:"etag,omitempty"`
	LastModifiedLocal  time.Time     `json:"lastModifiedLocal"`
	LastModifiedRemote time.Time     `json:"lastModifiedRemote"`
	RemoteVersion      int64         `json:"remoteVersion"`
	Status             MappingStatus `json:"syncStatus"`
	ConflictData       *ConflictData `json:"conflictData,omitempty"`
	Base               *Event        `json:"base,omitempty"`
}

type ConflictType string

const (
	ConflictTimestamp ConflictType = "timestamp"
	ConflictContent   ConflictType = "content"
	ConflictDeletion  ConflictType = "deletion"
	ConflictCreation  ConflictType = "creation"
)

// ConflictRecord holds both divergent versions of an event until resolved.
type ConflictRecord struct {
	ID              string       `json:"id"`
	EventID         string       `json:"eventId"`
	Provider        string       `json:"provider"`
	ProviderEventID string       `json:"providerEventId"`
	Type            ConflictType `json:"conflictType"`
	Local           Mutation     `json:"local"`
	Remote          RemoteEvent  `json:"remote"`
	Suggested       StrategyName `json:"suggestedResolution"`
	Blocked         bool         `json:"blocked,omitempty"`
	DetectedAt      time.Time    `json:"detectedAt"`
}

type Direction string

const (
	DirectionTwoWay Direction = "two-way"
	DirectionPull   Direction = "pull"
	DirectionPush   Direction = "push"
)

func (d Direction) CanPull() bool {
	return d == "" || d == DirectionTwoWay || d == DirectionPull
}

func (d Direction) CanPush() bool {
	return d == "" || d == DirectionTwoWay || d == DirectionPush
}

// CalendarState is the per-calendar change cursor kept for a provider.
type CalendarState struct {
	Provider   string            `json:"provider"`
	CalendarID string            `json:"calendarId"`
	CTag       string            `json:"ctag,omitempty"`
	SyncToken  string            `json:"syncToken,omitempty"`
	Objects    map[string]string `json:"objects,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func (s CalendarState) Clone() CalendarState {
	out := s
	if s.Objects != nil {
		out.Objects = make(map[string]string, len(s.Objects))
		for k, v := range s.Objects {
			out.Objects[k] = v
		}
	}
	return out
}

// contentDiff lists the fields compared by the conflict detector that differ
// between a and b.
func contentDiff(a, b Event) []string {
	var fields []string
	if a.Title != b.Title {
		fields = append(fields, "title")
	}
	if !a.Start.Equal(b.Start) {
		fields = append(fields, "start")
	}
	if !a.End.Equal(b.End) {
		fields = append(fields, "end")
	}
	if a.Description != b.Description {
		fields = append(fields, "description")
	}
	if !sameStringSet(a.Tags, b.Tags) {
		fields = append(fields, "tags")
	}
	return fields
}

// sameContent reports whether two events carry the same user-visible content.
func sameContent(a, b Event) bool {
	if len(contentDiff(a, b)) > 0 {
		return false
	}
	if a.AllDay != b.AllDay || a.Location != b.Location || a.Organizer != b.Organizer ||
		a.RecurrenceRule != b.RecurrenceRule || normalizeStatus(a.Status) != normalizeStatus(b.Status) {
		return false
	}
	if !sameAttendees(a.Attendees, b.Attendees) {
		return false
	}
	if len(a.ExceptionDates) != len(b.ExceptionDates) || len(a.Reminders) != len(b.Reminders) {
		return false
	}
	for i := range a.ExceptionDates {
		if !a.ExceptionDates[i].Equal(b.ExceptionDates[i]) {
			return false
		}
	}
	for i := range a.Reminders {
		if a.Reminders[i] != b.Reminders[i] {
			return false
		}
	}
	return true
}

func normalizeStatus(status EventStatus) EventStatus {
	if status == "" {
		return StatusConfirmed
	}
	return status
}

func sameAttendees(a, b []Attendee) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string]Attendee, len(a))
	for _, att := range a {
		index[strings.ToLower(att.Email)] = att
	}
	for _, att := range b {
		other, ok := index[strings.ToLower(att.Email)]
		if !ok || other.Status != att.Status || other.Name != att.Name {
			return false
		}
	}
	return true
}

func sameStringSet(a, b []string) bool {
	left := normalizeStringSlice(a)
	right := normalizeStringSlice(b)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

func normalizeStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func providerObjectKey(provider, objectID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "|" + strings.TrimSpace(objectID)
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

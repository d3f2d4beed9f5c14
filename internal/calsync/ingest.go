package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type NotificationOp string

const (
	NotificationCreated NotificationOp = "created"
	NotificationUpdated NotificationOp = "updated"
	NotificationDeleted NotificationOp = "deleted"
)

// Notification is one webhook delivery from a push source.
type Notification struct {
	ProviderEventID string         `json:"providerEventId"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	StartDate       time.Time      `json:"startDate"`
	EndDate         time.Time      `json:"endDate"`
	AllDay          bool           `json:"allDay,omitempty"`
	Location        string         `json:"location,omitempty"`
	Attendees       []string       `json:"attendees,omitempty"`
	LastModified    time.Time      `json:"lastModified"`
	Provider        string         `json:"provider"`
	Operation       NotificationOp `json:"operation"`
	ETag            string         `json:"etag,omitempty"`
	DeliveryID      string         `json:"deliveryId,omitempty"`
	CalendarID      string         `json:"calendarId,omitempty"`
}

type IngestResult struct {
	Outcome   ApplyOutcome    `json:"outcome"`
	EventID   string          `json:"eventId,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Conflict  *ConflictRecord `json:"conflict,omitempty"`
}

type IngestorOptions struct {
	Store          *Store
	Queue          *MutationQueue
	ConflictWindow time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Ingestor applies webhook notifications to the canonical store. Conflicts
// with pending local edits are recorded for the next sync run to resolve.
type Ingestor struct {
	mu     sync.Mutex
	store  *Store
	queue  *MutationQueue
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ingestor{
		store:  opts.Store,
		queue:  opts.Queue,
		window: opts.ConflictWindow,
		logger: logger,
		now:    now,
	}
}

func (i *Ingestor) Ingest(ctx context.Context, n Notification) (IngestResult, error) {
	provider := normalizeProvider(n.Provider)
	n.ProviderEventID = strings.TrimSpace(n.ProviderEventID)
	if provider == "" || n.ProviderEventID == "" {
		return IngestResult{}, fmt.Errorf("%w: provider and providerEventId are required", ErrInvalidInput)
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.store.HasDelivery(provider, n.DeliveryID) {
		mapping, _ := i.store.Mapping(provider, n.ProviderEventID)
		return IngestResult{Outcome: ApplyUnchanged, EventID: mapping.LocalEventID, Duplicate: true}, nil
	}
	logger := i.logger.With("provider", provider, "provider_event_id", n.ProviderEventID, "operation", n.Operation)

	var result IngestResult
	switch n.Operation {
	case NotificationDeleted:
		localID, found, err := i.store.DeleteRemote(provider, n.ProviderEventID)
		if err != nil {
			return IngestResult{}, err
		}
		result = IngestResult{Outcome: ApplyIgnored, EventID: localID}
		if found {
			if err := i.queue.Discard(ctx, localID); err != nil {
				return IngestResult{}, err
			}
			result.Outcome = ApplyDeleted
		}
	case NotificationCreated, NotificationUpdated:
		if n.EndDate.Before(n.StartDate) {
			return IngestResult{}, fmt.Errorf("%w: endDate before startDate", ErrInvalidInput)
		}
		var err error
		result, err = i.upsert(ctx, provider, n)
		if err != nil {
			return IngestResult{}, err
		}
	default:
		return IngestResult{}, fmt.Errorf("%w: operation %q", ErrInvalidInput, n.Operation)
	}

	if _, err := i.store.RecordDelivery(provider, n.DeliveryID, n.ProviderEventID); err != nil {
		return result, err
	}
	logger.Info("webhook applied", "outcome", result.Outcome, "event_id", result.EventID)
	return result, nil
}

func (i *Ingestor) upsert(ctx context.Context, provider string, n Notification) (IngestResult, error) {
	remote := RemoteEvent{
		Provider:        provider,
		ProviderEventID: n.ProviderEventID,
		CalendarID:      n.CalendarID,
		ETag:            strings.TrimSpace(n.ETag),
		LastModified:    n.LastModified.UTC(),
		Version:         1,
		Event: Event{
			Title:       n.Title,
			Description: n.Description,
			Start:       n.StartDate.UTC(),
			End:         n.EndDate.UTC(),
			AllDay:      n.AllDay,
			Location:    n.Location,
			Status:      StatusConfirmed,
		},
	}
	if remote.LastModified.IsZero() {
		remote.LastModified = i.now()
	}
	remote.Clock = i.queue.Stamp()
	for _, email := range n.Attendees {
		if email = strings.TrimSpace(email); email != "" {
			remote.Event.Attendees = append(remote.Event.Attendees, Attendee{Email: email, Status: PartStatNeedsAction})
		}
	}

	pendingLocal := false
	mapping, mapped := i.store.Mapping(provider, n.ProviderEventID)
	if mapped {
		pendingLocal = i.queue.HasPending(mapping.LocalEventID)
		if current, ok := i.store.Event(mapping.LocalEventID); ok {
			remote.Version = current.Version + 1
		}
		if remote.CalendarID == "" {
			remote.CalendarID = mapping.CalendarID
		}
		remote.Href = mapping.Href
	}

	outcome, localID, err := i.store.ApplyRemote(remote, pendingLocal)
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{Outcome: outcome, EventID: localID}
	if outcome != ApplyConflict {
		return result, nil
	}
	if rec, open := i.store.Conflict(localID); open {
		result.Conflict = &rec
		return result, nil
	}
	rec, err := i.recordConflict(ctx, localID, remote)
	if err != nil {
		return result, err
	}
	result.Conflict = &rec
	return result, nil
}

func (i *Ingestor) recordConflict(ctx context.Context, localID string, remote RemoteEvent) (ConflictRecord, error) {
	rec, err := recordPendingConflict(ctx, i.store, i.queue, localID, remote, i.window, i.now())
	if err != nil {
		return rec, err
	}
	i.logger.Warn("webhook conflicts with pending local edit", "event_id", localID, "type", rec.Type)
	return rec, nil
}

// recordPendingConflict persists a conflict between a remote change and the
// local edits still queued for localID, and flags those edits.
func recordPendingConflict(ctx context.Context, store *Store, queue *MutationQueue, localID string, remote RemoteEvent, window time.Duration, now time.Time) (ConflictRecord, error) {
	local, _, err := queue.PendingFor(ctx, localID)
	if err != nil {
		return ConflictRecord{}, err
	}
	rec := newConflictRecord(localID, local, remote, window, now)
	if err := store.SaveConflict(rec); err != nil {
		return ConflictRecord{}, err
	}
	if err := queue.MarkConflicted(ctx, localID, true); err != nil {
		return rec, err
	}
	return rec, nil
}

// newConflictRecord builds the record for a remote change that collided with
// a local edit. The mapping has already diverged, so a pair the detector
// would pass is still recorded as a content conflict.
func newConflictRecord(localID string, local Mutation, remote RemoteEvent, window time.Duration, now time.Time) ConflictRecord {
	det := Detect(local, &remote, window)
	typ, suggested := det.Type, det.Suggested
	if !det.Conflict {
		typ, suggested = ConflictContent, StrategyMerge
	}
	return ConflictRecord{
		ID:              "cfl_" + uuid.NewString(),
		EventID:         localID,
		Provider:        remote.Provider,
		ProviderEventID: remote.ProviderEventID,
		Type:            typ,
		Local:           local,
		Remote:          remote,
		Suggested:       suggested,
		DetectedAt:      now,
	}
}

package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

type CalendarConfig struct {
	Path        string
	Name        string
	Primary     bool
	SyncEnabled bool
}

// CalendarStateStore persists per-calendar cursors. *calsync.Store satisfies it.
type CalendarStateStore interface {
	CalendarState(provider, calendarID string) (calsync.CalendarState, bool)
	PutCalendarState(st calsync.CalendarState) error
}

type Options struct {
	Name      string
	Direction calsync.Direction
	Client    DAVClient
	Store     CalendarStateStore
	// Calendars restricts sync to the listed collections. When empty, every
	// calendar found under the home set is synced.
	Calendars []CalendarConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// Adapter exposes a CalDAV account as a calsync.RemoteProvider.
type Adapter struct {
	name       string
	direction  calsync.Direction
	client     DAVClient
	store      CalendarStateStore
	configured []CalendarConfig
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	discovered []CalendarConfig
}

var _ calsync.RemoteProvider = (*Adapter)(nil)

func New(opts Options) (*Adapter, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "caldav"
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: caldav client is required", calsync.ErrInvalidInput)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: calendar state store is required", calsync.ErrInvalidInput)
	}
	direction := opts.Direction
	if direction == "" {
		direction = calsync.DirectionTwoWay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	configured := make([]CalendarConfig, 0, len(opts.Calendars))
	for _, cal := range opts.Calendars {
		cal.Path = strings.TrimSpace(cal.Path)
		if cal.Path == "" {
			return nil, fmt.Errorf("%w: calendar path is required", calsync.ErrInvalidInput)
		}
		configured = append(configured, cal)
	}
	return &Adapter{
		name:       name,
		direction:  direction,
		client:     opts.Client,
		store:      opts.Store,
		configured: configured,
		logger:     logger.With("provider", name),
		now:        now,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Direction() calsync.Direction {
	return a.direction
}

// FetchChanges ignores since; change detection is driven by each
// calendar's ctag and sync token.
func (a *Adapter) FetchChanges(ctx context.Context, _ time.Time) (*calsync.ChangeSet, error) {
	calendars, err := a.calendars(ctx)
	if err != nil {
		return nil, err
	}
	out := &calsync.ChangeSet{}
	var (
		states   []calsync.CalendarState
		failures int
		firstErr error
	)
	for _, cal := range calendars {
		if !cal.SyncEnabled {
			continue
		}
		res, err := a.fetchCalendar(ctx, cal.Path)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Warn("calendar fetch failed", "calendar", cal.Path, "error", err)
			out.Errors = append(out.Errors, a.syncError("", fmt.Errorf("calendar %s: %w", cal.Path, err)))
			continue
		}
		out.Changes = append(out.Changes, res.changes...)
		out.Errors = append(out.Errors, res.errors...)
		if res.state != nil {
			states = append(states, *res.state)
		}
	}
	if failures > 0 && len(states) == 0 && len(out.Changes) == 0 && failures == countEnabled(calendars) {
		return nil, firstErr
	}
	out.Commit = func(ctx context.Context) error {
		for _, st := range states {
			if err := a.store.PutCalendarState(st); err != nil {
				return err
			}
		}
		return nil
	}
	return out, nil
}

func countEnabled(calendars []CalendarConfig) int {
	n := 0
	for _, cal := range calendars {
		if cal.SyncEnabled {
			n++
		}
	}
	return n
}

type calendarFetch struct {
	changes []calsync.RemoteEvent
	errors  []calsync.SyncError
	// state is nil when the calendar was unchanged.
	state *calsync.CalendarState
}

func (a *Adapter) fetchCalendar(ctx context.Context, path string) (calendarFetch, error) {
	prev, known := a.store.CalendarState(a.name, path)
	ctag, token, err := a.client.CollectionState(ctx, path)
	if err != nil {
		return calendarFetch{}, err
	}
	if known && ctag != "" && ctag == prev.CTag {
		a.logger.Debug("calendar unchanged", "calendar", path)
		return calendarFetch{}, nil
	}
	if known && prev.SyncToken != "" {
		res, err := a.incremental(ctx, path, prev)
		if err == nil {
			res.state.CTag = ctag
			if res.state.SyncToken == "" {
				res.state.SyncToken = token
			}
			return res, nil
		}
		a.logger.Warn("incremental sync failed, falling back to full sync", "calendar", path, "error", err)
	}
	res, err := a.full(ctx, path, prev)
	if err != nil {
		return calendarFetch{}, err
	}
	res.state.CTag = ctag
	res.state.SyncToken = token
	return res, nil
}

func (a *Adapter) incremental(ctx context.Context, path string, prev calsync.CalendarState) (calendarFetch, error) {
	delta, err := a.client.SyncCollection(ctx, path, prev.SyncToken)
	if err != nil {
		return calendarFetch{}, err
	}
	objects, err := a.client.MultiGet(ctx, path, delta.Changed)
	if err != nil {
		return calendarFetch{}, err
	}
	next := prev.Clone()
	next.Provider = a.name
	next.CalendarID = path
	next.SyncToken = delta.Token
	next.UpdatedAt = a.now().UTC()
	if next.Objects == nil {
		next.Objects = map[string]string{}
	}

	var res calendarFetch
	for _, obj := range objects {
		remote, err := a.decode(path, obj)
		if err != nil {
			res.errors = append(res.errors, a.syncError("", err))
			continue
		}
		next.Objects[hrefPath(obj.Href)] = remote.ProviderEventID
		res.changes = append(res.changes, remote)
	}
	live := uidSet(next.Objects, delta.Deleted)
	for _, href := range delta.Deleted {
		href = hrefPath(href)
		uid, ok := next.Objects[href]
		delete(next.Objects, href)
		if !ok || live[uid] {
			continue
		}
		res.changes = append(res.changes, a.deletion(path, href, uid))
	}
	res.state = &next
	return res, nil
}

func (a *Adapter) full(ctx context.Context, path string, prev calsync.CalendarState) (calendarFetch, error) {
	objects, err := a.client.QueryEvents(ctx, path)
	if err != nil {
		return calendarFetch{}, err
	}
	next := calsync.CalendarState{
		Provider:   a.name,
		CalendarID: path,
		Objects:    make(map[string]string, len(objects)),
		UpdatedAt:  a.now().UTC(),
	}
	var res calendarFetch
	seen := make(map[string]bool, len(objects))
	for _, obj := range objects {
		href := hrefPath(obj.Href)
		seen[href] = true
		remote, err := a.decode(path, obj)
		if err != nil {
			res.errors = append(res.errors, a.syncError("", err))
			// keep the previous identity so a transient parse error is not read as a delete
			if uid, ok := prev.Objects[href]; ok {
				next.Objects[href] = uid
			}
			continue
		}
		next.Objects[href] = remote.ProviderEventID
		res.changes = append(res.changes, remote)
	}
	live := uidSet(next.Objects, nil)
	known := make([]string, 0, len(prev.Objects))
	for href := range prev.Objects {
		known = append(known, href)
	}
	sort.Strings(known)
	for _, href := range known {
		uid := prev.Objects[href]
		if seen[href] || live[uid] {
			continue
		}
		res.changes = append(res.changes, a.deletion(path, href, uid))
	}
	res.state = &next
	return res, nil
}

func uidSet(objects map[string]string, exclude []string) map[string]bool {
	skip := make(map[string]bool, len(exclude))
	for _, href := range exclude {
		skip[hrefPath(href)] = true
	}
	out := make(map[string]bool, len(objects))
	for href, uid := range objects {
		if !skip[href] {
			out[uid] = true
		}
	}
	return out
}

func (a *Adapter) decode(calendar string, obj Object) (calsync.RemoteEvent, error) {
	decoded, err := DecodeCalendar(obj.Data)
	if err != nil {
		return calsync.RemoteEvent{}, &calsync.ProtocolParseError{Href: obj.Href, Err: err}
	}
	lastModified := decoded.LastModified
	if lastModified.IsZero() {
		lastModified = obj.ModTime.UTC()
	}
	version := decoded.Sequence
	if version < 1 {
		version = 1
	}
	return calsync.RemoteEvent{
		Provider:        a.name,
		ProviderEventID: decoded.UID,
		CalendarID:      calendar,
		Href:            hrefPath(obj.Href),
		ETag:            obj.ETag,
		Event:           decoded.Event,
		Version:         version,
		LastModified:    lastModified,
	}, nil
}

func (a *Adapter) deletion(calendar, href, uid string) calsync.RemoteEvent {
	return calsync.RemoteEvent{
		Provider:        a.name,
		ProviderEventID: uid,
		CalendarID:      calendar,
		Href:            href,
		LastModified:    a.now().UTC(),
		Deleted:         true,
	}
}

func (a *Adapter) PushBatch(ctx context.Context, changes []calsync.OutboundChange) ([]calsync.PushResult, error) {
	results := make([]calsync.PushResult, 0, len(changes))
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, a.push(ctx, change))
	}
	return results, nil
}

func (a *Adapter) push(ctx context.Context, change calsync.OutboundChange) calsync.PushResult {
	result := calsync.PushResult{EventID: change.EventID}
	if change.Op == calsync.OpDelete {
		if change.Mapping == nil {
			result.Err = calsync.ErrNotFound
			return result
		}
		href := change.Mapping.Href
		if href == "" && change.Mapping.CalendarID != "" {
			href = objectHref(change.Mapping.CalendarID, change.Mapping.ProviderEventID)
		}
		if href == "" {
			result.Err = calsync.ErrNotFound
			return result
		}
		result.ProviderEventID = change.Mapping.ProviderEventID
		result.CalendarID = change.Mapping.CalendarID
		result.Href = href
		result.Err = a.client.Delete(ctx, href)
		if result.Err == nil {
			a.logger.Debug("deleted remote event", "event_id", change.EventID, "href", href)
		}
		return result
	}

	calendar, err := a.resolveCalendar(ctx, change)
	if err != nil {
		result.Err = err
		return result
	}
	uid := change.Event.ID
	href := ""
	if change.Mapping != nil {
		if change.Mapping.ProviderEventID != "" {
			uid = change.Mapping.ProviderEventID
		}
		href = change.Mapping.Href
	}
	if uid == "" {
		uid = change.EventID
	}
	if href == "" {
		href = objectHref(calendar, uid)
	}
	var existing *ical.Calendar
	if change.Mapping != nil && change.Mapping.Href != "" {
		obj, err := a.client.Get(ctx, href)
		switch {
		case err == nil:
			existing = obj.Data
		case !errors.Is(err, calsync.ErrNotFound):
			result.Err = err
			return result
		}
	}
	now := a.now().UTC()
	cal, err := MergeEvent(existing, change.Event, uid, change.Version, now)
	if err != nil {
		result.Err = err
		return result
	}
	obj, err := a.client.Put(ctx, href, cal)
	if err != nil {
		result.Err = err
		return result
	}
	result.ProviderEventID = uid
	result.CalendarID = calendar
	result.Href = hrefPath(obj.Href)
	if result.Href == "" {
		result.Href = href
	}
	result.ETag = obj.ETag
	result.LastModified = obj.ModTime.UTC()
	if obj.ModTime.IsZero() {
		result.LastModified = now
	}
	a.logger.Debug("pushed remote event", "event_id", change.EventID, "href", result.Href, "op", string(change.Op))
	return result
}

// resolveCalendar picks the target collection: existing mapping, then the
// change's explicit calendar, then the primary, then the first configured.
func (a *Adapter) resolveCalendar(ctx context.Context, change calsync.OutboundChange) (string, error) {
	if change.Mapping != nil && change.Mapping.CalendarID != "" {
		return change.Mapping.CalendarID, nil
	}
	if explicit := strings.TrimSpace(change.Calendar); explicit != "" {
		return explicit, nil
	}
	calendars, err := a.calendars(ctx)
	if err != nil {
		return "", err
	}
	for _, cal := range calendars {
		if cal.Primary {
			return cal.Path, nil
		}
	}
	if len(calendars) > 0 {
		return calendars[0].Path, nil
	}
	return "", fmt.Errorf("%w: provider %s", calsync.ErrNoCalendarAvailable, a.name)
}

func (a *Adapter) calendars(ctx context.Context) ([]CalendarConfig, error) {
	if len(a.configured) > 0 {
		return a.configured, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discovered != nil {
		return a.discovered, nil
	}
	found, err := a.client.FindCalendars(ctx)
	if err != nil {
		return nil, err
	}
	discovered := make([]CalendarConfig, 0, len(found))
	for i, cal := range found {
		discovered = append(discovered, CalendarConfig{
			Path:        cal.Path,
			Name:        cal.Name,
			Primary:     i == 0,
			SyncEnabled: true,
		})
	}
	a.logger.Info("discovered calendars", "count", len(discovered))
	a.discovered = discovered
	return discovered, nil
}

func (a *Adapter) syncError(eventID string, err error) calsync.SyncError {
	typ, retryable := calsync.ClassifyError(err)
	return calsync.SyncError{
		Type:      typ,
		Provider:  a.name,
		EventID:   eventID,
		Message:   err.Error(),
		Retryable: retryable,
	}
}

func objectHref(calendar, uid string) string {
	return strings.TrimSuffix(calendar, "/") + "/" + url.PathEscape(uid) + ".ics"
}

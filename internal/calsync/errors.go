package calsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrNoCalendarAvailable = errors.New("no calendar available")
	ErrConflictPending     = errors.New("conflict pending resolution")
	ErrStorage             = errors.New("storage failure")
)

type ErrorType string

const (
	ErrorNetwork       ErrorType = "network"
	ErrorServer        ErrorType = "server"
	ErrorStorage       ErrorType = "storage"
	ErrorProtocolParse ErrorType = "protocol_parse"
	ErrorNoCalendar    ErrorType = "no_calendar"
)

// SyncError is one per-event or per-provider failure collected into a run result.
type SyncError struct {
	Type      ErrorType `json:"type"`
	Provider  string    `json:"provider,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e SyncError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s error for event %s: %s", e.Type, e.EventID, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// ProtocolParseError marks a remote object that could not be decoded. The
// object is skipped; the rest of the calendar keeps syncing.
type ProtocolParseError struct {
	Href string
	Err  error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Href, e.Err)
}

func (e *ProtocolParseError) Unwrap() error {
	return e.Err
}

// RemoteError is a rejection reported by the provider for a single request.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Message)
}

// StorageError wraps a failed durable write to the local store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// ClassifyError maps an error onto the sync error taxonomy.
func ClassifyError(err error) (ErrorType, bool) {
	if err == nil {
		return "", false
	}
	var parseErr *ProtocolParseError
	if errors.As(err, &parseErr) {
		return ErrorProtocolParse, false
	}
	if errors.Is(err, ErrNoCalendarAvailable) {
		return ErrorNoCalendar, false
	}
	if errors.Is(err, ErrStorage) {
		return ErrorStorage, false
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		// credentials will not fix themselves between runs
		if remoteErr.StatusCode == 401 || remoteErr.StatusCode == 403 {
			return ErrorServer, false
		}
		return ErrorServer, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorNetwork, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorNetwork, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorNetwork, true
	}
	return ErrorServer, true
}

func newSyncError(provider, eventID string, err error) SyncError {
	typ, retryable := ClassifyError(err)
	return SyncError{
		Type:      typ,
		Provider:  provider,
		EventID:   eventID,
		Message:   err.Error(),
		Retryable: retryable,
	}
}

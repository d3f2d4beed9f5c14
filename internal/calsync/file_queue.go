package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileMutationLog keeps the queue as one JSON document rewritten through a
// temp file and rename on every change.
type fileMutationLog struct {
	path  string
	mu    sync.Mutex
	items []Mutation
}

type fileMutationLogState struct {
	Items []Mutation `json:"items"`
}

func NewFileMutationLog(path string) (MutationLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	l := &fileMutationLog{path: path, items: []Mutation{}}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *fileMutationLog) Append(_ context.Context, m Mutation) error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, m)
	if err := l.saveLocked(); err != nil {
		l.items = l.items[:len(l.items)-1]
		return err
	}
	return nil
}

func (l *fileMutationLog) List(_ context.Context) ([]Mutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Mutation(nil), l.items...), nil
}

func (l *fileMutationLog) Update(_ context.Context, m Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID != m.ID {
			continue
		}
		prev := l.items[i]
		l.items[i] = m
		if err := l.saveLocked(); err != nil {
			l.items[i] = prev
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (l *fileMutationLog) Remove(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.items
	kept := make([]Mutation, 0, len(l.items))
	for _, m := range l.items {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	l.items = kept
	if err := l.saveLocked(); err != nil {
		l.items = prev
		return err
	}
	return nil
}

func (l *fileMutationLog) Close() error {
	return nil
}

func (l *fileMutationLog) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileMutationLogState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	l.items = append([]Mutation(nil), snapshot.Items...)
	return nil
}

func (l *fileMutationLog) saveLocked() error {
	data, err := json.Marshal(fileMutationLogState{Items: l.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// Package directory holds the id to display-name lookup shared by the unread tracker and the
// mention resolver.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind distinguishes individual users from group conversations.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
)

// Entry is one directory record.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Mentionable reports whether the entry can be the target of an @mention.
// Only single-token names qualify.
func (e Entry) Mentionable() bool {
	return IsSingleToken(e.Name)
}

// IsSingleToken reports whether name is non-empty and has no whitespace.
func IsSingleToken(name string) bool {
	return name != "" && strings.IndexFunc(name, unicode.IsSpace) < 0
}

// Source is the bulk reader a Directory is loaded from.
type Source interface {
	ListUsers(ctx context.Context) ([]Entry, error)
	ListGroups(ctx context.Context) ([]Entry, error)
}

// Directory is an immutable id to name mapping that remembers load order.
// The zero value is an empty directory.
type Directory struct {
	entries []Entry
	index   map[string]int
}

// New builds a Directory. A repeated id keeps its first position and takes the later name.
func New(entries ...Entry) Directory {
	dir := Directory{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		entry.ID = id
		entry.Name = strings.TrimSpace(entry.Name)
		if position, ok := dir.index[id]; ok {
			dir.entries[position] = entry
			continue
		}
		dir.index[id] = len(dir.entries)
		dir.entries = append(dir.entries, entry)
	}
	return dir
}

// Name returns the display name for id. Entries with an empty name count as absent.
func (d Directory) Name(id string) (string, bool) {
	entry, ok := d.Entry(id)
	if !ok || entry.Name == "" {
		return "", false
	}
	return entry.Name, true
}

func (d Directory) Entry(id string) (Entry, bool) {
	position, ok := d.index[id]
	if !ok {
		return Entry{}, false
	}
	return d.entries[position], true
}

// Entries returns a copy of the entries in load order.
func (d Directory) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d Directory) Len() int {
	return len(d.entries)
}

// Load reads users then groups from source. A failing read does not discard the other one:
// the returned Directory always holds whatever was read, and the error joins every failure.
func Load(ctx context.Context, source Source) (Directory, error) {
	if source == nil {
		return Directory{}, errMissingSource
	}
	var (
		entries []Entry
		errs    []error
	)
	users, err := source.ListUsers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: users: %w", ErrLoadFailed, err))
	}
	entries = append(entries, withKind(users, KindUser)...)

	groups, err := source.ListGroups(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: groups: %w", ErrLoadFailed, err))
	}
	entries = append(entries, withKind(groups, KindGroup)...)

	return New(entries...), errors.Join(errs...)
}

var (
	// ErrLoadFailed marks a failed bulk read from a Source.
	ErrLoadFailed    = errors.New("directory: load failed")
	errMissingSource = errors.New("directory: source is required")
)

func withKind(entries []Entry, kind Kind) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind == "" {
			entry.Kind = kind
		}
		out = append(out, entry)
	}
	return out
}

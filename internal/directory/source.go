package directory

import "context"

// Lister reads one kind of directory record.
type Lister func(ctx context.Context) ([]Entry, error)

// Sources combines a user lister and a group lister into a Source.
// A nil lister contributes no entries.
type Sources struct {
	Users  Lister
	Groups Lister
}

func (s Sources) ListUsers(ctx context.Context) ([]Entry, error) {
	if s.Users == nil {
		return nil, nil
	}
	return s.Users(ctx)
}

func (s Sources) ListGroups(ctx context.Context) ([]Entry, error) {
	if s.Groups == nil {
		return nil, nil
	}
	return s.Groups(ctx)
}

// Package mentions finds @mentions in note text, both while a note is being typed and when a
// stored note is rendered.
package mentions

import (
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
)

var (
	tokenPattern      = regexp.MustCompile(`@\w+`)
	inProgressPattern = regexp.MustCompile(`(?:^|\W)(@(\w*))$`)
)

// SegmentKind tells literal text apart from an @token.
type SegmentKind string

const (
	SegmentLiteral SegmentKind = "literal"
	SegmentMention SegmentKind = "mention"
)

// Segment is one span of rendered text. Resolved is only meaningful for mentions.
type Segment struct {
	Kind     SegmentKind `json:"kind"`
	Text     string      `json:"text"`
	Resolved bool        `json:"resolved"`
}

// Detection describes the @token being typed at the end of the text, if any.
type Detection struct {
	InProgress bool   `json:"in_progress"`
	Query      string `json:"query"`
}

// Candidate is a directory entry offered for autocompletion.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DetectInProgress reports whether text ends in an unterminated @token. The @ must start the
// text or follow a non-word character, so "a@b" is not a mention.
func DetectInProgress(text string) Detection {
	match := inProgressPattern.FindStringSubmatch(text)
	if match == nil {
		return Detection{}
	}
	return Detection{InProgress: true, Query: match[2]}
}

// Resolver answers mention questions against one directory snapshot.
type Resolver struct {
	directory directory.Directory
}

func NewResolver(dir directory.Directory) *Resolver {
	return &Resolver{directory: dir}
}

// Detect is DetectInProgress; it exists so callers holding a Resolver need nothing else.
func (r *Resolver) Detect(text string) Detection {
	return DetectInProgress(text)
}

// Candidates lists mentionable entries whose name starts with query, ignoring case, in
// directory order. Multi-word names are never offered.
func (r *Resolver) Candidates(query string) []Candidate {
	prefix := strings.ToLower(query)
	candidates := make([]Candidate, 0)
	for _, entry := range r.directory.Entries() {
		if !entry.Mentionable() {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(entry.Name), prefix) {
			continue
		}
		candidates = append(candidates, Candidate{ID: entry.ID, Name: entry.Name})
	}
	return candidates
}

// Apply replaces the trailing @query of text with "@name ". Text that does not end in an
// @token is returned unchanged.
func (r *Resolver) Apply(text, name string) string {
	return ApplySelection(text, name)
}

// ApplySelection is the directory-independent form of Resolver.Apply.
func ApplySelection(text, name string) string {
	loc := inProgressPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	tokenStart := loc[2]
	return text[:tokenStart] + "@" + name + " "
}

// Segment splits text into literal and mention spans. Joining the span texts gives back
// text; empty text yields no spans.
func (r *Resolver) Segment(text string) []Segment {
	segments := make([]Segment, 0)
	if text == "" {
		return segments
	}
	cursor := 0
	for _, loc := range mentionLocations(text) {
		start, end := loc[0], loc[1]
		if start > cursor {
			segments = append(segments, Segment{Kind: SegmentLiteral, Text: text[cursor:start]})
		}
		token := text[start:end]
		_, resolved := r.lookup(token[1:])
		segments = append(segments, Segment{Kind: SegmentMention, Text: token, Resolved: resolved})
		cursor = end
	}
	if cursor < len(text) {
		segments = append(segments, Segment{Kind: SegmentLiteral, Text: text[cursor:]})
	}
	return segments
}

// ResolvedTargets returns the distinct entries mentioned in text, in order of first mention.
func (r *Resolver) ResolvedTargets(text string) []directory.Entry {
	seen := make(map[string]struct{})
	var targets []directory.Entry
	for _, loc := range mentionLocations(text) {
		entry, ok := r.lookup(text[loc[0]+1 : loc[1]])
		if !ok {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		targets = append(targets, entry)
	}
	return targets
}

func (r *Resolver) lookup(handle string) (directory.Entry, bool) {
	for _, entry := range r.directory.Entries() {
		if entry.Mentionable() && strings.EqualFold(entry.Name, handle) {
			return entry, true
		}
	}
	return directory.Entry{}, false
}

// mentionLocations returns the byte ranges of @tokens that sit on a word boundary.
func mentionLocations(text string) [][]int {
	all := tokenPattern.FindAllStringIndex(text, -1)
	out := all[:0]
	for _, loc := range all {
		if loc[0] > 0 && isWordByte(text[loc[0]-1]) {
			continue
		}
		out = append(out, loc)
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' ||
		('a' <= b && b <= 'z') ||
		('A' <= b && b <= 'Z') ||
		('0' <= b && b <= '9')
}

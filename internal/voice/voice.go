// Package voice holds the contracts between the announcement pipeline and a
// concrete voice platform, plus target channel selection.
package voice

import (
	"context"
	"sort"
)

// Group is a voice destination. Connections are keyed by GuildID: a guild
// holds at most one voice connection at a time.
type Group struct {
	GuildID   string
	ChannelID string
	Name      string
}

func (g Group) Key() string { return g.GuildID }

// Conn is a ready voice connection.
type Conn interface {
	// Play blocks until the artifact finished playing or failed.
	Play(ctx context.Context, path string) error
	// Destroy leaves the channel. Calling it more than once is allowed.
	Destroy() error
	Destroyed() bool
}

// Transport establishes voice connections. Connect returns once the
// connection is ready or ctx ends.
type Transport interface {
	Connect(ctx context.Context, g Group) (Conn, error)
}

// Candidate is a voice channel the bot could announce into.
type Candidate struct {
	Group
	Members  int
	Joinable bool
	Position int
}

// Directory lists candidate voice channels. guildID narrows the listing to
// one guild; empty means every guild the bot is in.
type Directory interface {
	VoiceCandidates(ctx context.Context, guildID string) ([]Candidate, error)
}

// SelectGroup picks the joinable channel with the most members. When nobody
// is in voice it prefers preferredChannelID, then the first joinable channel
// by position. It reports false when nothing is joinable.
func SelectGroup(cands []Candidate, preferredChannelID string) (Group, bool) {
	joinable := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Joinable {
			joinable = append(joinable, c)
		}
	}
	if len(joinable) == 0 {
		return Group{}, false
	}
	sort.SliceStable(joinable, func(i, j int) bool {
		if joinable[i].GuildID != joinable[j].GuildID {
			return joinable[i].GuildID < joinable[j].GuildID
		}
		return joinable[i].Position < joinable[j].Position
	})

	best := -1
	for i, c := range joinable {
		if c.Members > 0 && (best < 0 || c.Members > joinable[best].Members) {
			best = i
		}
	}
	if best >= 0 {
		return joinable[best].Group, true
	}
	if preferredChannelID != "" {
		for _, c := range joinable {
			if c.ChannelID == preferredChannelID {
				return c.Group, true
			}
		}
	}
	return joinable[0].Group, true
}

package voice

import "testing"

func TestSelectGroup(t *testing.T) {
	t.Parallel()
	cands := []Candidate{
		{Group: Group{GuildID: "g1", ChannelID: "afk", Name: "AFK"}, Members: 9, Joinable: false, Position: 0},
		{Group: Group{GuildID: "g1", ChannelID: "geral", Name: "Geral"}, Members: 0, Joinable: true, Position: 2},
		{Group: Group{GuildID: "g1", ChannelID: "mvp", Name: "MVP"}, Members: 0, Joinable: true, Position: 1},
		{Group: Group{GuildID: "g2", ChannelID: "woe", Name: "WoE"}, Members: 0, Joinable: true, Position: 0},
	}

	tests := []struct {
		name      string
		mutate    func([]Candidate)
		preferred string
		want      string
		ok        bool
	}{
		{name: "nobody in voice picks first by position", want: "mvp", ok: true},
		{name: "nobody in voice honours preferred", preferred: "woe", want: "woe", ok: true},
		{name: "unknown preferred falls back", preferred: "nope", want: "mvp", ok: true},
		{
			name:   "most members wins across guilds",
			mutate: func(c []Candidate) { c[1].Members = 2; c[3].Members = 5 },
			want:   "woe", ok: true,
		},
		{
			name:      "members beat preferred",
			mutate:    func(c []Candidate) { c[1].Members = 1 },
			preferred: "woe",
			want:      "geral", ok: true,
		},
		{
			name:   "unjoinable ignored even if crowded",
			mutate: func(c []Candidate) { c[2].Members = 1 },
			want:   "mvp", ok: true,
		},
		{
			name: "nothing joinable",
			mutate: func(c []Candidate) {
				for i := range c {
					c[i].Joinable = false
				}
			},
			ok: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cs := append([]Candidate(nil), cands...)
			if tc.mutate != nil {
				tc.mutate(cs)
			}
			g, ok := SelectGroup(cs, tc.preferred)
			if ok != tc.ok || g.ChannelID != tc.want {
				t.Fatalf("got %q ok=%v, want %q ok=%v", g.ChannelID, ok, tc.want, tc.ok)
			}
		})
	}
}

package commands

import (
	"strings"
)

// ParseText turns a text command line into a Request. Positional arguments
// fill the options not set by flags, in declaration order. A leading string
// option takes every word the later options do not claim, so
// "/mvp_announce Orc Hero 21:30" needs no quotes; once any argument is
// quoted, every positional fills exactly one option. --key=value and
// --key value set options by name; a bare --flag sets a boolean option.
func (r *Router) ParseText(line string) (Request, bool) {
	toks := tokenizeCommandLine(line)
	if len(toks) == 0 || !strings.HasPrefix(toks[0], "/") {
		return Request{}, false
	}
	name := NormalizeName(toks[0])
	cmd, ok := r.cmds[name]
	if !ok {
		return Request{Command: name}, true
	}

	pos, flags, bools := parseFlags(toks[1:])
	opts := map[string]string{}
	for k, v := range flags {
		opts[k] = v
	}
	for k := range bools {
		if o, ok := cmd.option(k); ok && o.Kind == OptBoolean {
			opts[k] = "true"
		}
	}

	free := make([]Option, 0, len(cmd.Options))
	for _, o := range cmd.Options {
		if _, set := opts[o.Name]; !set {
			free = append(free, o)
		}
	}
	greedy := true
	for _, p := range pos {
		if strings.ContainsAny(p, " \t") {
			greedy = false
		}
	}
	for i, o := range free {
		if len(pos) == 0 {
			break
		}
		take := 1
		if greedy && i == 0 && o.Kind == OptString {
			take = max(1, len(pos)-countNeeded(free[1:], pos))
		}
		opts[o.Name] = strings.Join(pos[:take], " ")
		pos = pos[take:]
	}
	return Request{Command: name, Options: opts}, true
}

// countNeeded reports how many trailing positionals belong to options after
// the first: one per required option, plus one per optional option whose
// value looks like it fits (e.g. a HH:MM time or a number).
func countNeeded(rest []Option, pos []string) int {
	n := 0
	tail := len(pos)
	for i := len(rest) - 1; i >= 0 && tail > 1; i-- {
		o := rest[i]
		v := pos[tail-1]
		if o.Required || fitsKind(o, v) {
			n++
			tail--
		}
	}
	return n
}

func fitsKind(o Option, v string) bool {
	switch o.Kind {
	case OptInteger:
		for _, c := range v {
			if c < '0' || c > '9' {
				return false
			}
		}
		return v != ""
	case OptBoolean:
		switch strings.ToLower(v) {
		case "true", "false", "sim", "nao", "não":
			return true
		}
		return false
	}
	return strings.Contains(v, ":")
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	/cmd a "b c" --k=v
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and flags.
//
//	--k=v, --k v, --flag (bool)
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") && len(a) > 2 {
			key := strings.TrimPrefix(a, "--")
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
				continue
			}
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		pos = append(pos, a)
	}
	return pos, flags, bools
}

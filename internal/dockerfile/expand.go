package dockerfile

import "strings"

// Expand substitutes $NAME and ${NAME} in s using lookup. `\$` escapes a
// literal dollar. ${NAME:-def} falls back to def when NAME is unset or
// empty; ${NAME:+alt} yields alt only when NAME is set and non-empty.
// Unknown variables expand to the empty string, matching builder behavior;
// callers wanting a warning check lookup misses themselves.
func Expand(s string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '$' {
			b.WriteByte('$')
			i++
			continue
		}
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}

		if s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			expr := s[i+2 : i+2+end]
			i += 2 + end
			b.WriteString(expandBraced(expr, lookup))
			continue
		}

		j := i + 1
		for j < len(s) && isVarNameByte(s[j], j > i+1) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		name := s[i+1 : j]
		val, _ := lookup(name)
		b.WriteString(val)
		i = j - 1
	}

	return b.String()
}

func expandBraced(expr string, lookup func(string) (string, bool)) string {
	if name, def, ok := strings.Cut(expr, ":-"); ok {
		if val, found := lookup(name); found && val != "" {
			return val
		}
		return def
	}
	if name, alt, ok := strings.Cut(expr, ":+"); ok {
		if val, found := lookup(name); found && val != "" {
			return alt
		}
		return ""
	}
	val, _ := lookup(expr)
	return val
}

func isVarNameByte(c byte, notFirst bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return notFirst
	}
	return false
}

// UsedVars returns the variable names referenced by s, in order of first
// appearance. The cache key for an instruction includes only the values of
// variables the instruction actually references.
func UsedVars(s string) []string {
	var names []string
	seen := map[string]struct{}{}
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '$' {
			i++
			continue
		}
		if c != '$' || i+1 >= len(s) {
			continue
		}
		if s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				continue
			}
			expr := s[i+2 : i+2+end]
			i += 2 + end
			if name, _, ok := strings.Cut(expr, ":-"); ok {
				add(name)
				continue
			}
			if name, _, ok := strings.Cut(expr, ":+"); ok {
				add(name)
				continue
			}
			add(expr)
			continue
		}
		j := i + 1
		for j < len(s) && isVarNameByte(s[j], j > i+1) {
			j++
		}
		if j > i+1 {
			add(s[i+1 : j])
			i = j - 1
		}
	}
	return names
}

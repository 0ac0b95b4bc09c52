// Package semver matches installed plugin versions against the constraint
// expressions plugins use to declare their dependencies.
//
// Only the numeric major.minor.patch triple takes part in comparisons.
// Pre-release and build suffixes are stripped before comparing, so
// "1.0.0-rc1" and "1.0.0" are considered equal.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is a normalized major.minor.patch triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// String renders the version in dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 when v is lower than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Parse normalizes raw into a Version. Missing components are zero filled.
func Parse(raw string) (Version, error) {
	v, _, err := parsePartial(raw)
	return v, err
}

// Compare compares two version strings. Unparsable input compares as 0.0.0.
func Compare(a, b string) int {
	va, _ := Parse(a)
	vb, _ := Parse(b)
	return va.Compare(vb)
}

// parsePartial returns the normalized version together with the number of
// components that were actually written.
func parsePartial(raw string) (Version, int, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if idx := strings.IndexAny(s, "-+"); idx >= 0 {
		s = s[:idx]
	}
	if s == "" {
		return Version{}, 0, errors.New("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, 0, fmt.Errorf("version %q has too many components", raw)
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, 0, fmt.Errorf("version %q: invalid component %q", raw, part)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, len(parts), nil
}

// Satisfies reports whether version meets constraint.
//
// A constraint is a list of groups separated by "||"; a group is satisfied
// when every atom in it is. Atoms are separated by commas or whitespace.
// An empty constraint, "*" or "any" always matches. Malformed input never
// matches.
func Satisfies(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" || strings.EqualFold(constraint, "any") {
		return true
	}
	v, _, err := parsePartial(version)
	if err != nil {
		return false
	}
	for _, group := range strings.Split(constraint, "||") {
		atoms := tokenize(group)
		if len(atoms) == 0 {
			continue
		}
		ok := true
		for _, atom := range atoms {
			if !matchAtom(v, atom) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// tokenize splits a group into atoms, gluing a bare operator to the version
// that follows it (">= 1.2" becomes ">=1.2").
func tokenize(group string) []string {
	fields := strings.FieldsFunc(group, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	atoms := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		if isOperator(tok) && i+1 < len(fields) {
			tok += fields[i+1]
			i++
		}
		atoms = append(atoms, tok)
	}
	return atoms
}

func isOperator(tok string) bool {
	switch tok {
	case "=", "==", ">", ">=", "<", "<=", "^", "~":
		return true
	}
	return false
}

func matchAtom(v Version, atom string) bool {
	if atom == "*" || atom == "x" || atom == "X" || strings.EqualFold(atom, "any") {
		return true
	}
	switch {
	case strings.HasPrefix(atom, "^"):
		return matchCaret(v, atom[1:])
	case strings.HasPrefix(atom, "~"):
		return matchTilde(v, atom[1:])
	}
	for _, op := range []string{">=", "<=", "==", ">", "<", "="} {
		if strings.HasPrefix(atom, op) {
			target, _, err := parsePartial(atom[len(op):])
			if err != nil {
				return false
			}
			return compareWith(v, op, target)
		}
	}
	if isWildcard(atom) {
		return matchWildcard(v, atom)
	}
	target, _, err := parsePartial(atom)
	if err != nil {
		return false
	}
	return v.Compare(target) >= 0
}

func compareWith(v Version, op string, target Version) bool {
	c := v.Compare(target)
	switch op {
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	default:
		return c == 0
	}
}

// matchCaret allows changes that keep the left-most non-zero of major and
// minor fixed.
func matchCaret(v Version, raw string) bool {
	base, _, err := parsePartial(raw)
	if err != nil {
		return false
	}
	if v.Compare(base) < 0 {
		return false
	}
	if base.Major > 0 {
		return v.Major == base.Major
	}
	return v.Major == 0 && v.Minor == base.Minor
}

// matchTilde pins the minor version when it was written, otherwise the major.
func matchTilde(v Version, raw string) bool {
	base, parts, err := parsePartial(raw)
	if err != nil {
		return false
	}
	if v.Compare(base) < 0 {
		return false
	}
	if parts >= 2 {
		return v.Major == base.Major && v.Minor == base.Minor
	}
	return v.Major == base.Major
}

func isWildcard(atom string) bool {
	for _, part := range strings.Split(atom, ".") {
		if part == "x" || part == "X" || part == "*" {
			return true
		}
	}
	return false
}

// matchWildcard compares the components written before the first wildcard.
func matchWildcard(v Version, atom string) bool {
	got := [3]int{v.Major, v.Minor, v.Patch}
	parts := strings.Split(atom, ".")
	if len(parts) > 3 {
		return false
	}
	for i, part := range parts {
		if part == "x" || part == "X" || part == "*" {
			return true
		}
		n, err := strconv.Atoi(part)
		if err != nil || n != got[i] {
			return false
		}
	}
	return true
}

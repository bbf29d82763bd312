package in_toto

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

/*
Set represents a data structure for set operations. See `NewSet` for how to
create a Set, and available Set receivers for useful set operations.

Under the hood Set aliases map[string]struct{}, where the map keys are the
set elements and the map values are a memory-efficient way of storing the
keys.
*/
type Set map[string]struct{}

/*
NewSet creates a new Set, assigns it the optionally passed variadic string
elements, and returns it.
*/
func NewSet(elems ...string) Set {
	s := make(Set)
	for _, elem := range elems {
		s.Add(elem)
	}
	return s
}

/*
Has returns True if the passed string is member of the set on which it was
called and False otherwise.
*/
func (s Set) Has(elem string) bool {
	_, ok := s[elem]
	return ok
}

/*
Add adds the passed string to the set on which it was called, if the string
is not a member of the set.
*/
func (s Set) Add(elem string) {
	s[elem] = struct{}{}
}

/*
Remove removes the passed string from the set on which it was called, if the
string is a member of the set.
*/
func (s Set) Remove(elem string) {
	delete(s, elem)
}

/*
Intersection creates and returns a new Set with the elements of the set on
which it was called that are also in the passed set.
*/
func (s Set) Intersection(s2 Set) Set {
	res := NewSet()
	for elem := range s {
		if !s2.Has(elem) {
			continue
		}
		res.Add(elem)
	}
	return res
}

/*
Difference creates and returns a new Set with the elements of the set on
which it was called that are not in the passed set.
*/
func (s Set) Difference(s2 Set) Set {
	res := NewSet()
	for elem := range s {
		if s2.Has(elem) {
			continue
		}
		res.Add(elem)
	}
	return res
}

/*
Filter creates and returns a new Set with the elements of the set on which it
was called that match the passed glob pattern. Unlike the upstream
implementation this returns an error rather than silently treating a bad
pattern as a non-match: a malformed rule pattern should surface as a
RuleSyntaxError, not a swallowed warning.
*/
func (s Set) Filter(pattern string) (Set, error) {
	res := NewSet()
	for elem := range s {
		matched, err := filepath.Match(pattern, elem)
		if err != nil {
			return nil, errors.Wrapf(ErrRuleSyntax, "bad glob pattern %q: %s", pattern, err)
		}
		if !matched {
			continue
		}
		res.Add(elem)
	}
	return res, nil
}

/*
Slice creates and returns an unordered string slice with the elements of the
set on which it was called.
*/
func (s Set) Slice() []string {
	res := make([]string, 0, len(s))
	for elem := range s {
		res = append(res, elem)
	}
	return res
}

/*
SortedSlice creates and returns a lexicographically sorted string slice with
the elements of the set on which it was called, needed whenever iteration
order affects an error message.
*/
func (s Set) SortedSlice() []string {
	res := s.Slice()
	sort.Strings(res)
	return res
}

/*
subsetCheck checks if all strings in a slice of strings can be found in a
superset slice of strings.
*/
func subsetCheck(subset []string, superset []string) bool {
OUTER:
	for _, sub := range subset {
		for _, super := range superset {
			if sub == super {
				continue OUTER
			}
		}
		return false
	}
	return true
}

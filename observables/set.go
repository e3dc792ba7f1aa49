package observables

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Set holds unique observable values grouped by kind.
type Set struct {
	values map[Kind]map[string]struct{}
}

func NewSet() *Set {
	s := &Set{values: make(map[Kind]map[string]struct{}, len(Kinds))}
	for _, k := range Kinds {
		s.values[k] = make(map[string]struct{})
	}

	return s
}

func (s *Set) Add(kind Kind, value string) {
	vals, ok := s.values[kind]
	if !ok {
		vals = make(map[string]struct{})
		s.values[kind] = vals
	}
	vals[value] = struct{}{}
}

func (s *Set) Has(kind Kind, value string) bool {
	_, ok := s.values[kind][value]
	return ok
}

// Values returns a sorted copy of the values of the given kind.
func (s *Set) Values(kind Kind) []string {
	vals := make([]string, 0, len(s.values[kind]))
	for v := range s.values[kind] {
		vals = append(vals, v)
	}
	slices.Sort(vals)

	return vals
}

func (s *Set) Len() int {
	n := 0
	for _, vals := range s.values {
		n += len(vals)
	}

	return n
}

func (s *Set) All() []Observable {
	res := make([]Observable, 0, s.Len())
	for _, k := range Kinds {
		for _, v := range s.Values(k) {
			res = append(res, Observable{Kind: k, Value: v})
		}
	}

	return res
}

func (s *Set) Merge(other *Set) {
	for k, vals := range other.values {
		for v := range vals {
			s.Add(k, v)
		}
	}
}

func (s *Set) MarshalJSON() ([]byte, error) {
	out := make(map[Kind][]string, len(Kinds))
	for _, k := range Kinds {
		out[k] = s.Values(k)
	}

	return json.Marshal(out)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var in map[string][]string
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decoding observables: %w", err)
	}

	*s = *NewSet()
	for name, vals := range in {
		k, err := ParseKind(name)
		if err != nil {
			return err
		}
		for _, v := range vals {
			s.Add(k, v)
		}
	}

	return nil
}

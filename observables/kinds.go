package observables

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	SHA512 Kind = "sha512"
	SHA256 Kind = "sha256"
	SHA1   Kind = "sha1"
	MD5    Kind = "md5"
	IP     Kind = "ip"
	URL    Kind = "url"
)

// Kinds is the canonical output order.
var Kinds = []Kind{SHA512, SHA256, SHA1, MD5, IP, URL}

var ErrUnknownKind = errors.New("unknown observable type")

type Observable struct {
	Kind  Kind   `json:"type"`
	Value string `json:"value"`
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ParseKinds parses a comma separated list. An empty list means all kinds.
func ParseKinds(s string) ([]Kind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}

	return kinds, nil
}

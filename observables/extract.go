// Package observables finds hashes, IPv4 addresses and URLs in plain text.
package observables

import (
	"regexp"
	"slices"
)

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

const ipOctet = `(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)`

var patterns = []pattern{
	{SHA512, regexp.MustCompile(`(?i)\b[0-9a-f]{128}\b`)},
	{SHA256, regexp.MustCompile(`(?i)\b[0-9a-f]{64}\b`)},
	{SHA1, regexp.MustCompile(`(?i)\b[0-9a-f]{40}\b`)},
	{MD5, regexp.MustCompile(`(?i)\b[0-9a-f]{32}\b`)},
	{IP, regexp.MustCompile(`(?i)\b(?:` + ipOctet + `\.){3}` + ipOctet + `\b`)},
	{URL, regexp.MustCompile(`(?i)\bhttps?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+\b`)},
}

// Extract scans text once per requested kind and collects unique matches.
// No kinds means all of them.
func Extract(text string, kinds ...Kind) *Set {
	set := NewSet()
	for _, p := range patterns {
		if len(kinds) > 0 && !slices.Contains(kinds, p.kind) {
			continue
		}

		for _, m := range p.re.FindAllString(text, -1) {
			set.Add(p.kind, m)
		}
	}

	return set
}

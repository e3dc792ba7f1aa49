package docstore

import (
	"errors"

	"github.com/gamma-omg/observable-extractor/observables"
)

var ErrNotIndexed = errors.New("document not indexed")

type Doc struct {
	File        string
	Crc         uint32
	MimeType    string
	Observables *observables.Set
}

type InjestedDoc struct {
	File string
	Crc  uint32
}

// Match is a document containing an observable. Score is only set by
// semantic search.
type Match struct {
	File  string
	Kind  observables.Kind
	Value string
	Score float32
}

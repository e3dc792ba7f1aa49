package observables

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteText prints one "kind: value" line per observable.
func WriteText(w io.Writer, set *Set) error {
	for _, o := range set.All() {
		if _, err := fmt.Fprintf(w, "%s: %s\n", o.Kind, o.Value); err != nil {
			return fmt.Errorf("writing observables: %w", err)
		}
	}

	return nil
}

func WriteJSON(w io.Writer, set *Set) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(set); err != nil {
		return fmt.Errorf("writing observables: %w", err)
	}

	return nil
}

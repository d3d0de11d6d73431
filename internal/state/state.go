// Package state holds the in-process source of truth for the shared battle
// map: the current map reference and the ordered token list. It carries no
// locking of its own; the synchronization engine imposes the single-writer
// discipline.
package state

// State is the aggregate shared by every connected client. Exactly one
// instance exists per process. Map and Tokens persist to independent records
// and are updated independently; there is no transaction across the two.
type State struct {
	// Map is the current background reference: a relative path to a stored
	// image or an external URL. Empty means no map is set.
	Map string

	Tokens []*Token
}

// New builds the aggregate from whatever the persistence store recovered.
func New(mapRef string, tokens []*Token) *State {
	if tokens == nil {
		tokens = make([]*Token, 0)
	}
	return &State{Map: mapRef, Tokens: tokens}
}

// FindToken scans the token list for the given identifier. Identifiers are
// unique in the steady state, so first match wins.
func (s *State) FindToken(id string) *Token {
	for _, t := range s.Tokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RemoveToken drops every token matching id and reports whether the set
// shrank.
func (s *State) RemoveToken(id string) bool {
	kept := s.Tokens[:0]
	for _, t := range s.Tokens {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	removed := len(kept) < len(s.Tokens)
	s.Tokens = kept
	return removed
}

// SnapshotTokens deep-copies the token list for use outside the engine lock.
func (s *State) SnapshotTokens() []*Token {
	tokens := make([]*Token, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		tokens = append(tokens, t.Clone())
	}
	return tokens
}

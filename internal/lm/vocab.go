package lm

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Vocab maps text token ids to SentencePiece pieces.
type Vocab map[int]string

// ParseVocab reads a JSON object of id -> piece.
func ParseVocab(r io.Reader) (Vocab, error) {
	var raw map[string]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("lm: parse vocab: %w", err)
	}

	v := make(Vocab, len(raw))

	for k, piece := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("lm: vocab key %q: %w", k, err)
		}

		v[id] = piece
	}

	return v, nil
}

func LoadVocab(path string) (Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lm: open vocab: %w", err)
	}
	defer f.Close()

	return ParseVocab(f)
}

// Text returns the display text of id with word-boundary markers turned
// into spaces.
func (v Vocab) Text(id int) (string, bool) {
	piece, ok := v[id]
	if !ok {
		return "", false
	}

	return strings.ReplaceAll(piece, "▁", " "), true
}

package data

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reserved vocabulary slots. Vocab files start at index len(specials).
const (
	PadID = 0
	UnkID = 1
	BosID = 2
	EosID = 3
)

var specials = []string{"[PAD]", "[UNK]", "[BOS]", "[EOS]"}

// Tokenizer turns text into backbone token ids.
type Tokenizer interface {
	Encode(text string) []int
	VocabSize() int
}

// WordPieceTokenizer is a lowercasing, accent-stripping wordpiece tokenizer
// over a plain-text vocab file, one token per line. Subword continuations
// use the "##" prefix.
type WordPieceTokenizer struct {
	vocab         map[string]int
	maxWordLength int
}

func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	vocab := make(map[string]int)
	for i, s := range specials {
		vocab[s] = i
	}

	scanner := bufio.NewScanner(f)
	idx := len(specials)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, exists := vocab[line]; exists {
			continue
		}
		vocab[line] = idx
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &WordPieceTokenizer{vocab: vocab, maxWordLength: 100}, nil
}

func (t *WordPieceTokenizer) VocabSize() int { return len(t.vocab) }

var normalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalize lowercases and strips combining marks.
func normalize(word string) string {
	out, _, _ := transform.String(normalizer, strings.ToLower(word))
	return out
}

// splitWords breaks text on whitespace and keeps punctuation as standalone
// words.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// Encode tokenizes text into vocabulary ids without sentinel tokens; batch
// assembly adds [BOS]/[EOS].
func (t *WordPieceTokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range splitWords(text) {
		word = normalize(word)
		if word == "" {
			continue
		}
		if len(word) > t.maxWordLength {
			ids = append(ids, UnkID)
			continue
		}

		// Greedy longest-match-first wordpiece.
		start := 0
		var pieces []int
		for start < len(word) {
			end := len(word)
			match := -1
			for start < end {
				sub := word[start:end]
				if start > 0 {
					sub = "##" + sub
				}
				if id, ok := t.vocab[sub]; ok {
					match = id
					break
				}
				end--
			}
			if match < 0 {
				pieces = nil
				break
			}
			pieces = append(pieces, match)
			start = end
		}

		if pieces == nil {
			ids = append(ids, UnkID)
		} else {
			ids = append(ids, pieces...)
		}
	}
	return ids
}

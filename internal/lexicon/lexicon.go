// Package lexicon provides proactive message rewriting. A Lexicon maps
// flagged terms to softer opposite-meaning words, resolved once at load time
// against a wordnet.Source, and rewrites message text before classification.
package lexicon

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/chatme/chatme/internal/wordnet"
)

// defaultTerms is the stock flagged-term list used when no LEXICON_PATH is
// configured. Terms are matched case-insensitively on punctuation-stripped
// tokens.
var defaultTerms = []string{
	"idiot", "moron", "imbecile",
	"stupid", "dumb",
	"ugly", "hideous",
	"hate", "loathe",
	"loser", "failure",
	"worthless", "useless",
	"nasty", "horrible",
	"pathetic",
	"liar",
	"trash", "garbage",
	"coward",
	"evil", "wicked",
	"creep",
}

// Lexicon is an immutable term -> replacement mapping. Terms whose source
// yields no usable antonym map to the empty string and are left untouched by
// Substitute. Safe for concurrent use after construction.
type Lexicon struct {
	replacements map[string]string
}

// New builds a Lexicon over the stock term list.
func New(source wordnet.Source) *Lexicon {
	return NewWithTerms(defaultTerms, source)
}

// NewWithTerms builds a Lexicon over the given terms, resolving each term's
// replacement through source. The first antonym candidate that is not itself
// a lexicon term wins; this keeps Substitute idempotent, since no replacement
// can ever be a lookup key.
func NewWithTerms(terms []string, source wordnet.Source) *Lexicon {
	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		termSet[strings.ToLower(strings.TrimSpace(t))] = true
	}

	replacements := make(map[string]string, len(termSet))
	for term := range termSet {
		if term == "" {
			continue
		}
		replacement := ""
		for _, candidate := range source.Antonyms(term) {
			if !termSet[strings.ToLower(candidate)] {
				replacement = candidate
				break
			}
		}
		replacements[term] = replacement
	}

	return &Lexicon{replacements: replacements}
}

// LoadFile builds a Lexicon from a term file: one term per line, blank lines
// and "#" comments ignored.
func LoadFile(path string, source wordnet.Source) (*Lexicon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: open %s: %w", path, err)
	}
	defer f.Close()

	var terms []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("lexicon: read %s: %w", path, err)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("lexicon: %s contains no terms", path)
	}

	return NewWithTerms(terms, source), nil
}

// Len returns the number of terms in the lexicon.
func (l *Lexicon) Len() int {
	return len(l.replacements)
}

// Contains reports whether term (case-insensitive) is a lexicon term.
func (l *Lexicon) Contains(term string) bool {
	_, ok := l.replacements[strings.ToLower(term)]
	return ok
}

// Substitute rewrites text by replacing every flagged token with its
// resolved opposite. Tokens are whitespace-delimited; the lookup key is the
// token with leading/trailing punctuation stripped and lowercased. A
// substituted token loses its original punctuation and casing; all other
// tokens pass through unchanged. Tokens are rejoined with single spaces.
//
// Substitute is a pure total function: it has no side effects, handles any
// input including the empty string, and is idempotent because replacements
// are never lexicon terms.
func (l *Lexicon) Substitute(text string) string {
	words := strings.Fields(text)
	for i, word := range words {
		key := cleanWord(word)
		if key == "" {
			continue
		}
		if replacement, ok := l.replacements[key]; ok && replacement != "" {
			words[i] = replacement
		}
	}
	return strings.Join(words, " ")
}

// cleanWord strips leading and trailing punctuation/symbols and lowercases
// the remainder, producing the lexicon lookup key for a token.
func cleanWord(word string) string {
	trimmed := strings.TrimFunc(word, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.ToLower(trimmed)
}

// Package wordnet provides a read-only lexical-relation network used to find
// opposite-meaning words. The network is a list of word senses; each sense
// groups one or more lemmas and may carry antonym edges pointing at other
// senses. Lookups traverse senses in load order and edges in declaration
// order, so results are deterministic (first-sense, first-lemma).
package wordnet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Source answers antonym queries for single words. Implementations must be
// safe for concurrent use and return candidates in a fixed order.
type Source interface {
	// Antonyms returns the ordered antonym candidates for word, or an empty
	// slice if the network has no opposite-meaning relation for it.
	Antonyms(word string) []string
}

// sense is one node of the network: a set of synonymous lemmas plus antonym
// edges referencing other senses by ID.
type sense struct {
	id       string
	lemmas   []string
	antonyms []string // target sense IDs, in declaration order
}

// Index is an immutable in-memory antonym network loaded once at startup.
type Index struct {
	senses  []sense          // load order, drives traversal order
	byID    map[string]int   // sense id -> position in senses
	byLemma map[string][]int // lowercased lemma -> sense positions, in order
}

// Parse reads a network description from r. Each non-empty, non-comment line
// declares one sense:
//
//	<sense-id> <lemma> [lemma ...] [! <antonym-sense-id> ...]
//
// Lemmas before the "!" marker are synonyms; IDs after it are antonym edges.
// Sense IDs must be unique. Antonym references may point at senses declared
// later in the file.
func Parse(r io.Reader) (*Index, error) {
	idx := &Index{
		byID:    make(map[string]int),
		byLemma: make(map[string][]int),
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("wordnet: line %d: sense needs an id and at least one lemma", lineNo)
		}

		s := sense{id: fields[0]}
		rest := fields[1:]
		for i, f := range rest {
			if f == "!" {
				s.antonyms = rest[i+1:]
				break
			}
			s.lemmas = append(s.lemmas, strings.ToLower(f))
		}
		if len(s.lemmas) == 0 {
			return nil, fmt.Errorf("wordnet: line %d: sense %q has no lemmas", lineNo, s.id)
		}
		if _, dup := idx.byID[s.id]; dup {
			return nil, fmt.Errorf("wordnet: line %d: duplicate sense id %q", lineNo, s.id)
		}

		idx.senses = append(idx.senses, s)
		pos := len(idx.senses) - 1
		idx.byID[s.id] = pos
		for _, lemma := range s.lemmas {
			idx.byLemma[lemma] = append(idx.byLemma[lemma], pos)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wordnet: read: %w", err)
	}

	// Validate edges after the whole file is loaded (forward references).
	for _, s := range idx.senses {
		for _, target := range s.antonyms {
			if _, ok := idx.byID[target]; !ok {
				return nil, fmt.Errorf("wordnet: sense %q references unknown sense %q", s.id, target)
			}
		}
	}

	return idx, nil
}

// LoadFile parses a network description from the file at path.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wordnet: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Default returns the built-in network covering the stock lexicon terms.
func Default() *Index {
	idx, err := Parse(strings.NewReader(defaultNetwork))
	if err != nil {
		// The built-in network is a compile-time constant; a parse failure
		// is a programming error.
		panic(err)
	}
	return idx
}

// Antonyms returns antonym candidates for word in deterministic order: for
// each sense containing the word (load order), for each antonym edge
// (declaration order), the target sense's first lemma. Duplicates are
// dropped, keeping the first occurrence.
func (idx *Index) Antonyms(word string) []string {
	key := strings.ToLower(word)
	positions, ok := idx.byLemma[key]
	if !ok {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, pos := range positions {
		for _, targetID := range idx.senses[pos].antonyms {
			lemma := idx.senses[idx.byID[targetID]].lemmas[0]
			if !seen[lemma] {
				seen[lemma] = true
				out = append(out, lemma)
			}
		}
	}
	return out
}

// defaultNetwork is the built-in antonym network. It intentionally covers
// the default lexicon terms; ops can swap in a larger file via WORDNET_PATH.
const defaultNetwork = `
# sense-id  lemmas  [! antonym-sense-ids]
a01 idiot moron imbecile ! a02
a02 genius mastermind ! a01
a03 stupid dumb ! a04
a04 intelligent smart ! a03
a05 ugly hideous ! a06
a06 beautiful lovely ! a05
a07 hate loathe ! a08
a08 love adore ! a07
a09 loser failure ! a10
a10 winner achiever ! a09
a11 worthless useless ! a12
a12 valuable useful ! a11
a13 bad awful ! a14
a14 good great ! a13
a15 nasty horrible ! a16
a16 nice wonderful ! a15
a17 pathetic ! a18
a18 admirable ! a17
a19 liar ! a20
a20 truthful honest ! a19
a21 trash garbage ! a22
a22 treasure ! a21
a23 coward ! a24
a24 hero ! a23
a25 evil wicked ! a14
# "creep" has no recorded opposite; kept so lexicon fallback paths are real.
a26 creep
`

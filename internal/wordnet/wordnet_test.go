package wordnet

import (
	"strings"
	"testing"
)

func TestParse_Basic(t *testing.T) {
	idx, err := Parse(strings.NewReader(`
# comment
s1 hot scorching ! s2
s2 cold freezing ! s1
s3 warm
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if got := idx.Antonyms("hot"); len(got) != 1 || got[0] != "cold" {
		t.Errorf("Antonyms(hot) = %v, want [cold]", got)
	}
	if got := idx.Antonyms("scorching"); len(got) != 1 || got[0] != "cold" {
		t.Errorf("Antonyms(scorching) = %v, want [cold]", got)
	}
	if got := idx.Antonyms("warm"); len(got) != 0 {
		t.Errorf("Antonyms(warm) = %v, want empty", got)
	}
	if got := idx.Antonyms("missing"); len(got) != 0 {
		t.Errorf("Antonyms(missing) = %v, want empty", got)
	}
}

func TestParse_CaseInsensitiveLookup(t *testing.T) {
	idx, err := Parse(strings.NewReader("s1 big ! s2\ns2 small ! s1"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got := idx.Antonyms("BIG"); len(got) != 1 || got[0] != "small" {
		t.Errorf("Antonyms(BIG) = %v, want [small]", got)
	}
}

func TestParse_ForwardReference(t *testing.T) {
	_, err := Parse(strings.NewReader("s1 up ! s2\ns2 down"))
	if err != nil {
		t.Fatalf("forward reference should be valid: %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing lemma", "s1"},
		{"no lemmas before bang", "s1 ! s2"},
		{"duplicate id", "s1 left ! s1\ns1 right"},
		{"unknown edge target", "s1 tall ! s9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.input)); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", tt.input)
			}
		})
	}
}

// Multiple senses of the same word must be traversed in load order, and the
// first antonym found wins for callers that take candidates[0].
func TestAntonyms_FirstSenseFirstLemma(t *testing.T) {
	idx, err := Parse(strings.NewReader(`
s1 mean unkind ! s2
s2 kind gentle ! s1
s3 mean average ! s4
s4 extreme ! s3
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	got := idx.Antonyms("mean")
	want := []string{"kind", "extreme"}
	if len(got) != len(want) {
		t.Fatalf("Antonyms(mean) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Antonyms(mean)[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAntonyms_DeterministicAcrossCalls(t *testing.T) {
	idx := Default()
	first := idx.Antonyms("idiot")
	for i := 0; i < 100; i++ {
		again := idx.Antonyms("idiot")
		if len(again) != len(first) {
			t.Fatalf("call %d returned %v, first call returned %v", i, again, first)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("call %d returned %v, first call returned %v", i, again, first)
			}
		}
	}
}

func TestDefault_CoversCoreTerms(t *testing.T) {
	idx := Default()

	tests := []struct {
		word string
		want string
	}{
		{"idiot", "genius"},
		{"stupid", "intelligent"},
		{"ugly", "beautiful"},
		{"hate", "love"},
		{"loser", "winner"},
	}
	for _, tt := range tests {
		got := idx.Antonyms(tt.word)
		if len(got) == 0 || got[0] != tt.want {
			t.Errorf("Antonyms(%q) = %v, want first candidate %q", tt.word, got, tt.want)
		}
	}
}

package dedup

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Fingerprint is the normalised form of a headline used for comparison.
type Fingerprint struct {
	// Tokens are the content words in title order, without repeats.
	Tokens []string
	// Lead holds the tokens of the clause before the first separator
	// (comma, colon, dash, pipe) when that clause is long enough to stand
	// on its own; nil otherwise.
	Lead []string
	// Quantities are the numbers in the title, digits or words, excluding
	// years and ordinals. They are kept out of Tokens.
	Quantities []string
}

// minLeadTokens is the smallest lead clause treated as a headline of its own.
const minLeadTokens = 3

var (
	numberRe    = regexp.MustCompile(`\d+(?:[.,]\d+)*(?:st|nd|rd|th|s|%)?`)
	leadSplitRe = regexp.MustCompile(`\s*(?:[,:;]\s|\||\s[-–—]\s)\s*`)
)

var stopwords = toSet(
	"a", "an", "the", "of", "in", "on", "at", "to", "for", "from", "by", "with",
	"and", "or", "but", "as", "is", "are", "was", "were", "be", "been", "being",
	"it", "its", "this", "that", "these", "those", "after", "before", "over",
	"under", "into", "onto", "about", "amid", "against", "during", "than", "then",
	"has", "have", "had", "will", "would", "could", "should", "may", "might",
	"can", "not", "no", "up", "out", "says", "say", "said", "he", "she", "they",
	"his", "her", "their", "we", "you", "us", "our", "who", "what", "why", "how",
	"new", "more", "all", "via", "per", "if", "so", "s",
)

var numberWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
	"six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
	"eleven": "11", "twelve": "12", "thirteen": "13", "fourteen": "14",
	"fifteen": "15", "sixteen": "16", "seventeen": "17", "eighteen": "18",
	"nineteen": "19", "twenty": "20", "thirty": "30", "forty": "40",
	"fifty": "50", "sixty": "60", "seventy": "70", "eighty": "80", "ninety": "90",
	"dozen": "12", "dozens": "dozens", "hundred": "100", "hundreds": "hundreds",
	"thousand": "1000", "thousands": "thousands", "million": "million",
	"millions": "millions", "billion": "billion", "billions": "billions",
}

// NewFingerprint normalises a headline: case-folded, punctuation stripped,
// stop-words and numerals removed from the comparison tokens.
func NewFingerprint(title string) Fingerprint {
	lower := strings.ToLower(strings.TrimSpace(title))

	var fp Fingerprint
	fp.Tokens, fp.Quantities = tokenize(lower)

	if loc := leadSplitRe.FindStringIndex(lower); loc != nil && loc[0] > 0 {
		lead, _ := tokenize(lower[:loc[0]])
		if len(lead) >= minLeadTokens && len(lead) < len(fp.Tokens) {
			fp.Lead = lead
		}
	}
	return fp
}

// Empty reports whether the fingerprint carries no comparable tokens.
func (f Fingerprint) Empty() bool {
	return len(f.Tokens) == 0
}

// String joins the tokens with single spaces.
func (f Fingerprint) String() string {
	return strings.Join(f.Tokens, " ")
}

func (f Fingerprint) views() [][]string {
	if f.Lead == nil {
		return [][]string{f.Tokens}
	}
	return [][]string{f.Tokens, f.Lead}
}

func tokenize(s string) (tokens, quantities []string) {
	seenTok := make(map[string]bool)
	seenQty := make(map[string]bool)
	addQty := func(q string) {
		if q != "" && !seenQty[q] {
			seenQty[q] = true
			quantities = append(quantities, q)
		}
	}

	for _, m := range numberRe.FindAllString(s, -1) {
		addQty(normalizeQuantity(m))
	}
	s = numberRe.ReplaceAllString(s, " ")

	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if q, ok := numberWords[w]; ok {
			addQty(q)
			continue
		}
		if stopwords[w] || len([]rune(w)) < 2 || seenTok[w] {
			continue
		}
		seenTok[w] = true
		tokens = append(tokens, w)
	}
	return tokens, quantities
}

// normalizeQuantity returns the canonical form of a matched number, or ""
// for values that carry no news signal: ordinals, decades and years.
func normalizeQuantity(m string) string {
	switch {
	case strings.HasSuffix(m, "st"), strings.HasSuffix(m, "nd"),
		strings.HasSuffix(m, "rd"), strings.HasSuffix(m, "th"):
		return ""
	case strings.HasSuffix(m, "s"):
		return ""
	}
	pct := strings.HasSuffix(m, "%")
	digits := strings.ReplaceAll(strings.TrimSuffix(m, "%"), ",", "")
	if !pct {
		if n, err := strconv.Atoi(digits); err == nil && n >= 1900 && n <= 2100 {
			return ""
		}
	}
	if pct {
		return digits + "%"
	}
	return digits
}

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
	"github.com/RobinCoderZhao/news-digest/pkg/differ"
)

// DevelopmentDetector decides whether a narrative that matches a previously
// shown headline carries news the earlier headline did not.
type DevelopmentDetector interface {
	// Detect returns a non-empty reason when n is a major development of prior.
	Detect(n *Narrative, prior store.ShownHeadline) (reason string, major bool)
}

// DetectorFunc adapts a function to DevelopmentDetector.
type DetectorFunc func(n *Narrative, prior store.ShownHeadline) (string, bool)

func (f DetectorFunc) Detect(n *Narrative, prior store.ShownHeadline) (string, bool) {
	return f(n, prior)
}

// NeverDetector treats every match as a repeat.
var NeverDetector = DetectorFunc(func(*Narrative, store.ShownHeadline) (string, bool) { return "", false })

// outcomeGroups maps words to the kind of outcome they report. A group that
// appears in the new headline but not the old one is a development.
var outcomeGroups = map[string]string{
	"killed": "casualties", "kills": "casualties", "kill": "casualties", "dead": "casualties",
	"dies": "casualties", "died": "casualties", "death": "casualties", "deaths": "casualties",
	"toll": "casualties", "injured": "casualties", "wounded": "casualties",

	"resigns": "resignation", "resigned": "resignation", "quits": "resignation",
	"resignation": "resignation", "ousted": "resignation", "fired": "resignation", "sacked": "resignation",

	"convicted": "verdict", "acquitted": "verdict", "guilty": "verdict", "sentenced": "verdict",
	"verdict": "verdict", "jailed": "verdict", "cleared": "verdict",

	"wins": "result", "won": "result", "loses": "result", "lost": "result", "defeated": "result",
	"elected": "result", "concedes": "result", "victory": "result", "defeat": "result",

	"passes": "vote", "passed": "vote", "approved": "vote", "approves": "vote",
	"rejected": "vote", "rejects": "vote", "vetoed": "vote", "vetoes": "vote", "blocks": "vote",

	"ceasefire": "agreement", "truce": "agreement", "signed": "agreement", "signs": "agreement",
	"agreed": "agreement", "agreement": "agreement", "accord": "agreement",

	"arrested": "arrest", "charged": "arrest", "indicted": "arrest", "detained": "arrest",

	"collapses": "collapse", "collapsed": "collapse", "bankrupt": "collapse", "bankruptcy": "collapse",

	"freed": "release", "released": "release", "rescued": "release",

	"invades": "escalation", "invasion": "escalation", "declares": "escalation", "war": "escalation",
}

// SignalDetector flags changed quantities (casualty counts, vote tallies,
// percentages) and newly reported outcomes (a death, a verdict, a ceasefire)
// between the prior headline and the narrative.
//
// Titles are compared in full. Summaries carry background as well as news,
// so a summary only counts where it moves a fact the prior headline already
// reported: a different figure when the headline had one, a different
// outcome when the headline named one.
type SignalDetector struct{}

func (SignalDetector) Detect(n *Narrative, prior store.ShownHeadline) (string, bool) {
	old := NewFingerprint(prior.Headline)
	oldOutcomes := outcomes(old.Tokens)

	var newQty, newWords []string
	for _, a := range n.Articles {
		fp := NewFingerprint(a.Title)
		newQty = append(newQty, fp.Quantities...)
		newWords = append(newWords, fp.Tokens...)

		if a.Summary == "" {
			continue
		}
		sum := NewFingerprint(a.Summary)
		if len(old.Quantities) > 0 {
			newQty = append(newQty, sum.Quantities...)
		}
		if len(oldOutcomes) > 0 {
			newWords = append(newWords, sum.Tokens...)
		}
	}

	if qd := differ.SetDiff(old.Quantities, newQty); len(qd.Added) > 0 {
		if len(old.Quantities) == 0 {
			return fmt.Sprintf("new figure %s", strings.Join(qd.Added, ", ")), true
		}
		return fmt.Sprintf("figure changed %s -> %s",
			strings.Join(old.Quantities, ", "), strings.Join(qd.Added, ", ")), true
	}

	if gd := differ.SetDiff(oldOutcomes, outcomes(newWords)); len(gd.Added) > 0 {
		return fmt.Sprintf("new outcome %s", strings.Join(gd.Added, ", ")), true
	}
	return "", false
}

func outcomes(tokens []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tokens {
		if g, ok := outcomeGroups[t]; ok && !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

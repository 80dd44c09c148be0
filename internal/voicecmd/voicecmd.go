// Package voicecmd detects spoken control commands in user turns.
//
// Speech recognition rarely yields the command phrase verbatim ("export the
// document" arrives as "exports a document"), so detection is fuzzy: each
// known trigger phrase is scored against every same-length window of the
// user's words using Jaro-Winkler similarity, and the best-scoring command
// above the threshold wins. The detector is read-only after construction and
// safe for concurrent use.
package voicecmd

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Command identifies a recognised spoken command.
type Command string

const (
	// CommandExport asks VoxDraft to export the current design as a PRD.
	CommandExport Command = "export"

	// CommandWrapUp asks the agent to wind the conversation down.
	CommandWrapUp Command = "wrap_up"
)

// defaultThreshold is the minimum Jaro-Winkler score for a phrase window to
// count as a command.
const defaultThreshold = 0.88

// triggers maps each command to the phrasings users actually say.
var triggers = map[Command][]string{
	CommandExport: {
		"export the document",
		"export my document",
		"export the prd",
		"save the document",
	},
	CommandWrapUp: {
		"wrap up",
		"wrap it up",
		"let's wrap up",
		"finish the session",
	},
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithThreshold sets the minimum similarity score. Default: 0.88.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.threshold = threshold
	}
}

// Detector scans user turns for spoken commands.
type Detector struct {
	threshold float64
}

// New returns a Detector configured with the supplied options.
func New(opts ...Option) *Detector {
	d := &Detector{threshold: defaultThreshold}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect reports the best-matching command in text, if any. When matched is
// false, cmd is empty and confidence is 0.
func (d *Detector) Detect(text string) (cmd Command, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(tokens) == 0 {
		return "", 0, false
	}

	var (
		bestCmd   Command
		bestScore float64
	)
	for command, phrases := range triggers {
		for _, phrase := range phrases {
			if score := bestWindowScore(tokens, phrase); score > bestScore {
				bestCmd = command
				bestScore = score
			}
		}
	}

	if bestScore < d.threshold {
		return "", 0, false
	}
	return bestCmd, bestScore, true
}

// bestWindowScore slides a window of the phrase's word count across the
// spoken tokens and returns the highest Jaro-Winkler score seen.
func bestWindowScore(tokens []string, phrase string) float64 {
	phraseTokens := strings.Fields(phrase)
	n := len(phraseTokens)
	if n == 0 || len(tokens) < n {
		return 0
	}

	var best float64
	for i := 0; i+n <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+n], " ")
		if s := matchr.JaroWinkler(window, phrase, false); s > best {
			best = s
		}
	}
	return best
}

// Package dialogue converts raw generated discussion text into an ordered
// sequence of speaker-tagged segments.
//
// The parser is deliberately forgiving: text-generation backends do not always
// honour the requested "Name: line" format, so [Parse] never fails. When no
// usable speaker labels are present it degrades to paragraph alternation.
//
// Typical usage:
//
//	segments := dialogue.Parse(generated)
//	for _, s := range segments {
//	    fmt.Println(s.Speaker, s.Text)
//	}
package dialogue

import (
	"regexp"
	"strings"

	"github.com/MrWong99/duologue/pkg/types"
)

// cue holds the matchers for one host's speaker label.
type cue struct {
	speaker types.Speaker
	lower   string         // lower-case host name
	start   *regexp.Regexp // name at the start of the trimmed line
	strip   *regexp.Regexp // full label prefix, removed from the line
}

var (
	cues = []cue{
		newCue(types.SpeakerAlex),
		newCue(types.SpeakerJordan),
	}

	paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)
)

func newCue(s types.Speaker) cue {
	name := regexp.QuoteMeta(string(s))
	return cue{
		speaker: s,
		lower:   string(s),
		start:   regexp.MustCompile(`(?i)^[*_#\s]*` + name + `\b`),
		strip:   regexp.MustCompile(`(?i)^[*_#\s]*` + name + `\b[*_]*\s*:?[*_]*\s*`),
	}
}

// Parse splits text into speaker turns.
//
// Lines are trimmed and blank lines skipped. A line carrying a speaker cue for
// the other host closes the current turn and opens a new one seeded with the
// rest of the line; a cue for the current host only has its label removed.
// Lines without a cue continue the current turn, joined by a single space.
// The first turn belongs to Alex unless the text opens with another label.
//
// Cues are matched case-insensitively in three passes, each trying Alex
// before Jordan: the name at the start of the line, "name:" anywhere, and
// "name " anywhere. Only a label at the start of the line is stripped.
//
// When that pass yields at most one turn, the text is split on blank-line
// paragraph breaks instead and speakers alternate strictly starting with Alex.
// The paragraph result wins if it has more turns. Empty input yields nil.
func Parse(text string) []types.DialogueSegment {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	segments := parseLines(text)
	if len(segments) <= 1 {
		paragraphs := parseParagraphs(text)
		if len(paragraphs) > len(segments) {
			return paragraphs
		}
	}
	return segments
}

func parseLines(text string) []types.DialogueSegment {
	var (
		segments []types.DialogueSegment
		current  = types.SpeakerAlex
		buf      []string
	)

	flush := func() {
		if joined := strings.Join(buf, " "); joined != "" {
			segments = append(segments, types.DialogueSegment{Speaker: current, Text: joined})
		}
		buf = buf[:0]
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		c, ok := detectCue(line)
		if !ok {
			buf = append(buf, line)
			continue
		}

		rest := strings.TrimSpace(c.strip.ReplaceAllString(line, ""))
		if c.speaker != current {
			flush()
			current = c.speaker
		}
		if rest != "" {
			buf = append(buf, rest)
		}
	}
	flush()

	return segments
}

// detectCue reports which host, if any, line is attributed to.
func detectCue(line string) (cue, bool) {
	lower := strings.ToLower(line)

	for _, c := range cues {
		if c.start.MatchString(line) {
			return c, true
		}
	}
	for _, c := range cues {
		if strings.Contains(lower, c.lower+":") {
			return c, true
		}
	}
	for _, c := range cues {
		if strings.Contains(lower, c.lower+" ") {
			return c, true
		}
	}
	return cue{}, false
}

func parseParagraphs(text string) []types.DialogueSegment {
	var segments []types.DialogueSegment
	speaker := types.SpeakerAlex

	for _, para := range paragraphBreak.Split(text, -1) {
		var lines []string
		for _, l := range strings.Split(para, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) == 0 {
			continue
		}
		segments = append(segments, types.DialogueSegment{
			Speaker: speaker,
			Text:    strings.Join(lines, " "),
		})
		speaker = speaker.Other()
	}
	return segments
}

// Format renders segments in the labelled "Name: text" form, one turn per
// line. Alternating segments survive a Format/Parse round trip.
func Format(segments []types.DialogueSegment) string {
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Speaker.DisplayName())
		b.WriteString(": ")
		b.WriteString(s.Text)
	}
	return b.String()
}

package transcript

import (
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/loquax/pkg/types"
)

const (
	// tailWordCount is how many words from the previous window are kept for
	// overlap matching.
	tailWordCount = 15

	// minMatchWords is the minimum overlap length accepted. A single shared
	// word is too likely to be coincidence.
	minMatchWords = 2

	// minFragmentLen is the minimum length of a truncated first word. The
	// window boundary can cut a word ("replaced" resumes as "placed"), but
	// fragments shorter than this match too loosely.
	minFragmentLen = 3

	// similarityThreshold is the Jaro-Winkler score above which two first
	// words count as the same word garbled by the boundary.
	similarityThreshold = 0.9
)

// wordPunct mirrors the punctuation set stripped before word comparison.
const wordPunct = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Deduper strips the overlap the engine re-transcribes at the start of each
// window. Windows share overlap_seconds of audio with their predecessor, so
// the first words of a window usually repeat the previous window's tail.
//
// Matching follows the tail/prefix scheme: keep the previous window's last
// [tailWordCount] words; find the longest prefix of the new window (at least
// [minMatchWords] words) equal to a suffix of that tail, comparing
// punctuation-stripped lowercase words. The first word of the prefix gets
// extra slack since the boundary can truncate or garble it: a suffix match of
// at least [minFragmentLen] characters, Double Metaphone equality, or
// Jaro-Winkler at [similarityThreshold] all count.
//
// Deduper is not safe for concurrent use; the pipeline owns one per session
// and applies it from its single inference goroutine.
type Deduper struct {
	tail []string
}

// NewDeduper returns a Deduper with no history. The first window passes
// through untouched.
func NewDeduper() *Deduper {
	return &Deduper{}
}

// Reset clears the history, e.g. after a dropped window whose text was never
// produced. The next window then passes through undeduplicated rather than
// matching against stale words.
func (d *Deduper) Reset() {
	d.tail = nil
}

// Apply strips the duplicated prefix from the window's segments and records
// the window's tail for the next call. Segments entirely covered by the
// stripped words are dropped; a partially covered first segment is trimmed.
// The returned slice may be empty when the whole window was overlap.
func (d *Deduper) Apply(segments []types.Segment) []types.Segment {
	words := segmentWords(segments)
	if len(words) == 0 {
		return segments
	}

	strip := 0
	if len(d.tail) > 0 {
		strip = d.overlapLen(words)
	}

	// The tail always reflects the words as transcribed, pre-strip, so the
	// next window matches against what the engine actually heard.
	d.tail = lastN(words, tailWordCount)

	if strip == 0 {
		return segments
	}

	slog.Debug("transcript: stripped overlapping words",
		"count", strip, "words", strings.Join(words[:strip], " "))

	return trimSegments(segments, strip)
}

// overlapLen returns the number of leading words of words that duplicate a
// suffix of the stored tail, or 0 when no acceptable overlap exists.
func (d *Deduper) overlapLen(words []string) int {
	if len(words) < minMatchWords {
		return 0
	}
	maxLen := len(d.tail)
	if len(words) < maxLen {
		maxLen = len(words)
	}

	best := 0
	for length := minMatchWords; length <= maxLen; length++ {
		suffix := d.tail[len(d.tail)-length:]
		prefix := words[:length]

		if matchWords(suffix, prefix) {
			best = length
		}
	}
	return best
}

// matchWords reports whether prefix duplicates suffix. Words after the first
// must match exactly (normalized); the first word may be a truncated fragment
// or a phonetic near-match.
func matchWords(suffix, prefix []string) bool {
	for i := 1; i < len(suffix); i++ {
		if normalizeWord(suffix[i]) != normalizeWord(prefix[i]) {
			return false
		}
	}
	return firstWordMatches(normalizeWord(suffix[0]), normalizeWord(prefix[0]))
}

// firstWordMatches applies the relaxed rules for the first overlap word.
func firstWordMatches(tail, head string) bool {
	if tail == head {
		return true
	}
	if len(head) >= minFragmentLen && strings.HasSuffix(tail, head) {
		return true
	}
	// Phonetic slack only for words long enough to carry a sound signature.
	if len(tail) < minFragmentLen || len(head) < minFragmentLen {
		return false
	}
	if metaphoneEqual(tail, head) {
		return true
	}
	return matchr.JaroWinkler(tail, head, false) >= similarityThreshold
}

// metaphoneEqual reports whether the two words share a Double Metaphone code.
func metaphoneEqual(a, b string) bool {
	pa, sa := matchr.DoubleMetaphone(a)
	pb, sb := matchr.DoubleMetaphone(b)
	if pa != "" && (pa == pb || pa == sb) {
		return true
	}
	return sa != "" && (sa == pb || (sb != "" && sa == sb))
}

// normalizeWord lowercases and strips surrounding punctuation for comparison.
func normalizeWord(w string) string {
	return strings.ToLower(strings.Trim(w, wordPunct))
}

// segmentWords splits the segments' joined text into words.
func segmentWords(segments []types.Segment) []string {
	var words []string
	for _, s := range segments {
		words = append(words, strings.Fields(s.Text)...)
	}
	return words
}

// lastN returns the final n elements of words (or all of them).
func lastN(words []string, n int) []string {
	if len(words) <= n {
		return append([]string(nil), words...)
	}
	return append([]string(nil), words[len(words)-n:]...)
}

// trimSegments removes the first strip words from the segment list. Segments
// fully consumed by the strip are dropped; the segment where the strip ends
// keeps its remaining words.
func trimSegments(segments []types.Segment, strip int) []types.Segment {
	out := make([]types.Segment, 0, len(segments))
	remaining := strip
	for _, seg := range segments {
		segWords := strings.Fields(seg.Text)
		if remaining >= len(segWords) {
			remaining -= len(segWords)
			continue
		}
		if remaining > 0 {
			seg.Text = strings.Join(segWords[remaining:], " ")
			remaining = 0
		}
		out = append(out, seg)
	}
	return out
}

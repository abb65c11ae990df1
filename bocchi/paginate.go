package bocchi

import (
	"regexp"
	"strings"
	"time"
)

const (
	// Denominator for the per-chunk pacing delay: a chunk of length n
	// waits n/replyDelayDivisor seconds before sending.
	replyDelayDivisor = 30

	codeFenceMarker = "```"
)

// replySplitPattern breaks a completion into sentence-ish fragments:
// an explicit %%%% break marker, sentence punctuation, or whitespace
// control characters.
var replySplitPattern = regexp.MustCompile(`%%%%|\.|!|\?|\n|\r|\t`)

// paginateReply splits text into message-sized chunks for sending as
// separate Discord messages. Text containing a code fence is never
// split, so fenced blocks stay intact. Fragments of one character or
// less are merged into the preceding chunk rather than sent alone.
func paginateReply(text string) []string {
	if strings.Contains(text, codeFenceMarker) {
		return []string{text}
	}

	var chunks []string
	for _, fragment := range replySplitPattern.Split(text, -1) {
		fragment = strings.TrimSpace(fragment)
		if fragment == "" {
			continue
		}
		if len(chunks) > 0 && len([]rune(fragment)) <= 1 {
			chunks[len(chunks)-1] = chunks[len(chunks)-1] + " " + fragment
			continue
		}
		chunks = append(chunks, fragment)
	}
	return chunks
}

// replyDelay returns how long to pause before sending a chunk, scaled
// to its length so longer chunks read as slower typing.
func replyDelay(chunk string) time.Duration {
	return time.Duration(len(chunk)/replyDelayDivisor) * time.Second
}

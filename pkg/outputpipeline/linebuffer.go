package outputpipeline

import "strings"

// LineBuffer reassembles text fragments from a streaming response into
// complete lines.
type LineBuffer struct {
	partial strings.Builder
}

// Feed appends a text fragment and returns every complete line it
// completes (split on '\n'). Incomplete trailing text is buffered for the
// next call.
func (b *LineBuffer) Feed(text string) []string {
	b.partial.WriteString(text)
	buffered := b.partial.String()

	var lines []string
	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, buffered[:idx])
		buffered = buffered[idx+1:]
	}

	b.partial.Reset()
	b.partial.WriteString(buffered)
	return lines
}

// Flush returns any remaining buffered text as a final line, or ("",
// false) if nothing is buffered. Call this at a content-block boundary.
func (b *LineBuffer) Flush() (string, bool) {
	if b.partial.Len() == 0 {
		return "", false
	}
	s := b.partial.String()
	b.partial.Reset()
	return s, true
}

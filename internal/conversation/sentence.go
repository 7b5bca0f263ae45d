package conversation

import "strings"

// sentenceBuffer accumulates streamed tokens and releases whole sentences so
// speech can start before the reply is complete.
type sentenceBuffer struct {
	buf strings.Builder
}

func (s *sentenceBuffer) Write(token string) []string {
	s.buf.WriteString(token)

	var out []string
	for {
		text := s.buf.String()
		idx := sentenceBoundary(text)
		if idx < 0 {
			return out
		}
		if sentence := strings.TrimSpace(text[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
		rest := strings.TrimLeft(text[idx+1:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
}

// Flush returns whatever partial sentence remains.
func (s *sentenceBuffer) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// sentenceBoundary returns the index of the first '.', '!' or '?' followed by
// whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

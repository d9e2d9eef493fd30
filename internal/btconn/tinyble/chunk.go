package tinyble

import "unicode/utf8"

// DefaultMTU is the usable payload of one write when the peer does not
// negotiate a larger ATT MTU (23 bytes minus the 3 byte ATT header).
const DefaultMTU = 20

// chunk splits p into pieces of at most max bytes, never splitting a UTF-8
// character so each notification decodes on its own. Returns nil for
// empty input.
func chunk(p []byte, max int) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if max < utf8.UTFMax {
		max = utf8.UTFMax
	}

	var chunks [][]byte
	for len(p) > 0 {
		if len(p) <= max {
			chunks = append(chunks, p)
			break
		}
		split := max
		// Walk back to the start of a rune. Invalid UTF-8 never finds one,
		// so fall back to a hard split.
		for split > 0 && !utf8.RuneStart(p[split]) {
			split--
		}
		if split == 0 {
			split = max
		}
		chunks = append(chunks, p[:split])
		p = p[split:]
	}
	return chunks
}

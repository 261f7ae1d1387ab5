package session

import (
	"strings"
	"unicode/utf8"
)

// shouldStop checks if the text contains any stop sequence.
func shouldStop(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// trimAtStop removes text from the first occurrence of any stop sequence.
func trimAtStop(text string, stops []string) string {
	earliest := len(text)
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && idx < earliest {
			earliest = idx
		}
	}
	return text[:earliest]
}

// partialStop returns the length of the longest suffix of text that is a
// proper prefix of some stop sequence. Those bytes are held back until the
// next fragment decides whether they complete a stop.
func partialStop(text string, stops []string) int {
	best := 0
	for _, s := range stops {
		for n := len(s) - 1; n > best; n-- {
			if strings.HasSuffix(text, s[:n]) {
				best = n
				break
			}
		}
	}
	return best
}

// incompleteRune returns how many trailing bytes of text start a UTF-8
// sequence that is not finished yet.
func incompleteRune(text string) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(text); i++ {
		b := text[len(text)-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			need := 0
			switch {
			case b&0xE0 == 0xC0:
				need = 2
			case b&0xF0 == 0xE0:
				need = 3
			case b&0xF8 == 0xF0:
				need = 4
			}
			if need > i {
				return i
			}
			return 0
		}
	}
	return 0
}

// holdback splits pending into the part that can be emitted now and the part
// that must wait for more tokens.
func holdback(pending string, stops []string) (ready, held string) {
	n := partialStop(pending, stops)
	if r := incompleteRune(pending); r > n {
		n = r
	}
	return pending[:len(pending)-n], pending[len(pending)-n:]
}

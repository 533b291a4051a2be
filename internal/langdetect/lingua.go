package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const minLetters = 6

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns a two-letter language code for text, or "" when the
// sample is too short or ambiguous.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	sinhalaCount := 0
	for _, r := range sample {
		if !unicode.IsLetter(r) && !unicode.Is(unicode.Sinhala, r) {
			continue
		}
		letterCount++
		if unicode.Is(unicode.Sinhala, r) {
			sinhalaCount++
		}
	}
	if letterCount < minLetters {
		return ""
	}
	// lingua has no Sinhala model; the script is unambiguous.
	if sinhalaCount*2 > letterCount {
		return "si"
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			Build()
	})
	return detector
}

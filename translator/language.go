// Package translator implements TranslatorSource and Translator: the
// per-SSRC glue between depacketizer, serializer, consumers manager, and
// RtpPacketsPlayer, plus the per-producer registry and endpoint factory.
package translator

import "fmt"

// Language is one of the nine codes allowed on the wire, mirrored from
// original_source/.../MediaLanguage.hpp's MediaLanguage enum (carried here
// as plain strings, the idiomatic Go rendering of a closed string set
// rather than a C++-style enum class).
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageItalian Language = "it"
	LanguageSpanish Language = "es"
	LanguageThai    Language = "th"
	LanguageFrench  Language = "fr"
	LanguageGerman  Language = "de"
	LanguageRussian Language = "ru"
	LanguageArabic  Language = "ar"
	LanguageFarsi   Language = "fa"

	// LanguageAuto is permitted only as a "from" value.
	LanguageAuto Language = "auto"
)

var knownLanguages = map[Language]bool{
	LanguageEnglish: true, LanguageItalian: true, LanguageSpanish: true,
	LanguageThai: true, LanguageFrench: true, LanguageGerman: true,
	LanguageRussian: true, LanguageArabic: true, LanguageFarsi: true,
}

// ValidLanguage reports whether lang is one of the nine codes
// names, or "auto".
func ValidLanguage(lang Language) bool {
	return lang == LanguageAuto || knownLanguages[lang]
}

// ValidateLanguagePair checks a (from, to) pair against: "auto"
// is permitted only for from; to must always be a concrete language.
func ValidateLanguagePair(from, to Language) error {
	if from != LanguageAuto && !knownLanguages[from] {
		return fmt.Errorf("translator: unknown source language %q", from)
	}
	if to == LanguageAuto {
		return fmt.Errorf("translator: auto is not permitted as a target language")
	}
	if !knownLanguages[to] {
		return fmt.Errorf("translator: unknown target language %q", to)
	}
	return nil
}

// Voice is an internal voice enum, mapped 1:1 to an opaque service token
// via VoiceID and original_source/.../MediaVoice.hpp.
type Voice int

const (
	VoiceAbdul Voice = iota
	VoiceJesusRodriguez
	VoiceTestIrina
	VoiceSerena
	VoiceRyan
)

// VoiceJesusRodriguez and VoiceTestIrina share one token in the original
// service mapping (original_source/.../MediaLanguageAndVoice.cpp); kept
// faithfully rather than "fixed" since it reflects the external service's
// actual voice catalog, not a bug in this subsystem.
var voiceIDs = map[Voice]string{
	VoiceAbdul:          "YkxA6GRXs4A6i5cwfm1E",
	VoiceJesusRodriguez: "ovxyZ1ldY23QpYBvkKx5",
	VoiceTestIrina:      "ovxyZ1ldY23QpYBvkKx5",
	VoiceSerena:         "pMsXgVXv3BLzUgSXRplE",
	VoiceRyan:           "wViXBPUzp2ZZixB1xQuM",
}

// VoiceID returns the opaque service token for v.
func (v Voice) VoiceID() string { return voiceIDs[v] }

// ParseVoiceID resolves an opaque service token back to its Voice, the
// inverse of VoiceID.
func ParseVoiceID(token string) (Voice, bool) {
	for v, id := range voiceIDs {
		if id == token {
			return v, true
		}
	}
	return 0, false
}

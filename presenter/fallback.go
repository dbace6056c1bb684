package presenter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FallbackAspiration builds an aspiration from the answers alone. It makes
// no network call and always returns a usable arc name and sentence.
func FallbackAspiration(a IdentityAnswers) Aspiration {
	domain := clean(a.Domain)
	trait := clean(a.Trait)
	motivation := clean(a.Motivation)

	var asp Aspiration
	switch {
	case domain != "" && trait != "":
		asp.ArcName = fmt.Sprintf("The %s %s", title(trait), title(domain))
	case domain != "":
		asp.ArcName = fmt.Sprintf("The %s Arc", title(domain))
	default:
		asp.ArcName = "The Next Chapter"
	}

	var b strings.Builder
	b.WriteString("I'm becoming someone who brings ")
	if trait != "" {
		b.WriteString(strings.ToLower(trait))
	} else {
		b.WriteString("steady attention")
	}
	b.WriteString(" to ")
	if domain != "" {
		b.WriteString(strings.ToLower(domain))
	} else {
		b.WriteString("what matters to me")
	}
	if motivation != "" {
		b.WriteString(", because ")
		b.WriteString(lowerFirst(motivation))
	}
	b.WriteString(".")
	asp.AspirationSentence = b.String()

	if moment := clean(a.ProudMoment); moment != "" {
		asp.NextSmallStep = fmt.Sprintf("This week, repeat one thing that made \"%s\" work.", moment)
	}
	return asp
}

// title builds a fresh Caser per call; Casers are stateful.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

func clean(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".!?;, ")
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	// keep "I" and acronyms as written
	next, _ := utf8.DecodeRuneInString(s[size:])
	if (r == 'I' && !unicode.IsLetter(next)) || unicode.IsUpper(next) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

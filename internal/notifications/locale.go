package notifications

import (
	"strings"

	"golang.org/x/text/language"
)

// languageOf returns the base language of a BCP-47 tag, defaulting to French.
func languageOf(tag string) string {
	parsed, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
	if err != nil {
		return "fr"
	}
	base, _ := parsed.Base()
	return base.String()
}

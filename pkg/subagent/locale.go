package subagent

import "fmt"

// Locale selects the instruction-paragraph text appended to a trigger
// message. The paragraph is a single fully-localised block with
// announceType substituted by ordinary string formatting. English is
// the only locale shipped; more can be added without touching callers.
type Locale string

const LocaleEN Locale = "en"

// instructionParagraph returns the locale-specific paragraph telling the
// parent model how to relay an announcement to the user, including the
// NO_REPLY sentinel it may use to suppress user-visible output.
func instructionParagraph(locale Locale, announceType string) string {
	switch locale {
	default: // LocaleEN and unrecognised locales fall back to English.
		return fmt.Sprintf(
			"Convert the finding above into your normal assistant voice and relay it to the user now. "+
				"Keep internal details (session keys, token counts, cost, status labels) private unless asked. "+
				"Do not copy this %s block verbatim. Reply ONLY: NO_REPLY if this result was already delivered.",
			announceType,
		)
	}
}

// buildTriggerMessage assembles the templated announce message.
func buildTriggerMessage(locale Locale, announceType, label, statusLabel, findings, statsLine string) string {
	name := label
	if name == "" {
		name = announceType
	}
	return fmt.Sprintf(
		"A %s %q just %s.\n\nFindings:\n%s\n\n%s\n\n%s",
		announceType, name, statusLabel, findings, statsLine, instructionParagraph(locale, announceType),
	)
}

package feed

import "strings"

// Built-in prompt templates per language. A feed's configured template
// takes priority; these are the second tier.
var builtinSystemPrompts = map[string]string{
	"en": "You are a precise news analyst. Summarize the given content faithfully, keeping concrete facts, names and figures. Answer in English.",
	"de": "Du bist ein praeziser Nachrichtenanalyst. Fasse den Inhalt treu zusammen und behalte konkrete Fakten, Namen und Zahlen. Antworte auf Deutsch.",
}

var builtinItemPrompts = map[string]string{
	"en": "Summarize the following article in 3-5 sentences.\n\nTitle: {title}\nURL: {url}\n\n{content}",
	"de": "Fasse den folgenden Artikel in 3-5 Saetzen zusammen.\n\nTitel: {title}\nURL: {url}\n\n{content}",
}

var builtinConsolidatedPrompts = map[string]string{
	"en": "Write a single consolidated briefing synthesizing the following articles. Group related stories, note disagreements between sources, and keep citations by URL.\n\n{articles}",
	"de": "Schreibe ein einzelnes konsolidiertes Briefing ueber die folgenden Artikel. Gruppiere verwandte Meldungen, nenne Widersprueche zwischen Quellen und behalte URL-Zitate.\n\n{articles}",
}

// Last-tier fallback so consolidation never hard-fails for lack of a
// template.
const inlineConsolidatedPrompt = "Summarize the following collection of articles into one coherent briefing:\n\n{articles}"

func systemPrompt(language string) string {
	if p, ok := builtinSystemPrompts[language]; ok {
		return p
	}
	return builtinSystemPrompts["en"]
}

// itemPrompt resolves the per-item template: feed template first
// (unless it is a consolidation template), then the language builtin.
func itemPrompt(feedTemplate, language string, it Item) string {
	tmpl := feedTemplate
	if tmpl == "" || strings.Contains(tmpl, "{articles}") {
		var ok bool
		if tmpl, ok = builtinItemPrompts[language]; !ok {
			tmpl = builtinItemPrompts["en"]
		}
	}
	r := strings.NewReplacer("{title}", it.Title, "{url}", it.URL, "{content}", it.Body())
	return r.Replace(tmpl)
}

// consolidatedPrompt resolves the batch template with three-tier
// degradation: custom feed template containing {articles}, then the
// language builtin, then the inline fallback.
func consolidatedPrompt(feedTemplate, language, articles string) string {
	tmpl := feedTemplate
	if !strings.Contains(tmpl, "{articles}") {
		var ok bool
		if tmpl, ok = builtinConsolidatedPrompts[language]; !ok || tmpl == "" {
			tmpl = inlineConsolidatedPrompt
		}
	}
	return strings.ReplaceAll(tmpl, "{articles}", articles)
}

package voxmeter

// EnrichmentMode selects the enrichment prompt.
type EnrichmentMode string

const (
	ModeCleanTranscript EnrichmentMode = "clean-transcript"
	ModeSummarize       EnrichmentMode = "summarize"
	ModeActionItems     EnrichmentMode = "action-items"
	ModeMeetingNotes    EnrichmentMode = "meeting-notes"
)

var modePrompts = map[EnrichmentMode]string{
	ModeCleanTranscript: "Clean up the following transcript. Remove filler words, fix grammar and format the text into readable paragraphs. Keep the original meaning.",
	ModeSummarize:       "Summarize the following text concisely. Keep the most important points.",
	ModeActionItems:     "Extract all tasks and action items from the text as a list.",
	ModeMeetingNotes:    "Format the text as structured meeting notes with headings, participants if mentioned, agenda items and decisions.",
}

var languageInstructions = map[string]string{
	"de": "Antworte auf Deutsch.",
	"en": "Respond in English.",
	"fr": "Réponds en français.",
	"es": "Responde en español.",
	"it": "Rispondi in italiano.",
	"pt": "Responda em português.",
	"nl": "Antwoord in het Nederlands.",
	"pl": "Odpowiedz po polsku.",
	"ru": "Отвечай на русском.",
	"ja": "日本語で回答してください。",
	"zh": "请用中文回答。",
	"ko": "한국어로 답변해 주세요.",
}

const sameLanguageInstruction = "Respond in the same language as the input."

// Known reports whether m is a supported mode.
func (m EnrichmentMode) Known() bool {
	_, ok := modePrompts[m]
	return ok
}

// SystemPrompt builds the enrichment system prompt for a mode and language.
// Unknown modes fall back to clean-transcript; empty or "auto" language asks
// the model to answer in the input language.
func SystemPrompt(mode EnrichmentMode, language string) string {
	base, ok := modePrompts[mode]
	if !ok {
		base = modePrompts[ModeCleanTranscript]
	}

	instruction := sameLanguageInstruction
	if language != "" && language != "auto" {
		instruction = languageInstructions[language]
	}
	if instruction == "" {
		return base
	}
	return base + "\n\n" + instruction
}

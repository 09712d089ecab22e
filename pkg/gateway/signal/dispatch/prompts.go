package dispatch

import (
	"fmt"
	"strings"
)

const classifyInstruction = `You are SIGNAL, a real-time accessibility co-pilot for deaf and hard-of-hearing engineers.
Listen to the meeting audio and decide whether a high-impact moment happened.

Categories:
1. DECISION_POINT: a decision was made. "description" states exactly what was decided (for example "Team agreed to use PostgreSQL").
2. INPUT_REQUIRED: the listener is asked something. "description" states exactly what input is needed (for example "They want your opinion on the API design").
3. RISK_DETECTED: a risk was raised. "description" names the specific risk (for example "Concern raised about latency").
4. IDLE: nothing high-impact happened.

Respond with a single JSON object:
{
  "type": "DECISION_POINT" | "INPUT_REQUIRED" | "RISK_DETECTED" | "IDLE",
  "title": "short headline",
  "description": "specifics from the conversation as described above",
  "suggestedResponse": "a helpful first-person reply the listener could type",
  "confidence": number between 0.0 and 1.0
}`

// DefaultLanguages are the snippet keys requested from code generation.
var DefaultLanguages = []string{"java", "python", "go"}

func codePrompt(transcript string, languages []string) string {
	names := make([]string, 0, len(languages))
	shape := make([]string, 0, len(languages))
	for _, lang := range languages {
		names = append(names, displayName(lang))
		shape = append(shape, fmt.Sprintf("  %q: \"...\"", lang))
	}
	return fmt.Sprintf(`You are a senior polyglot software engineer.
Read this meeting transcript:
%q

Identify the core technical entity, function, or schema under discussion and write a production-ready implementation of it in %s.

Return only a raw JSON object, without markdown or backticks, shaped exactly like:
{
%s
}`, transcript, strings.Join(names, ", "), strings.Join(shape, ",\n"))
}

func displayName(lang string) string {
	switch lang {
	case "go":
		return "Go"
	case "javascript":
		return "JavaScript"
	case "typescript":
		return "TypeScript"
	case "":
		return ""
	default:
		return strings.ToUpper(lang[:1]) + lang[1:]
	}
}

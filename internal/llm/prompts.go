// Package llm provides the model clients (Ollama, OpenAI, Anthropic) used by
// the extraction pipeline, together with the strict JSON-only extraction
// prompt, its response parser, circuit breaking, rate limiting, retry and
// embedding caching.
package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/mnemo/pkg/types"
)

// memoryTypeTriggers describes, for each memory type, the kind of statement
// that should produce it. Order matches types.AllMemoryTypes.
var memoryTypeTriggers = map[types.MemoryType]string{
	types.MemoryTypeCorrection:   "a mistake was pointed out or something was fixed (\"no, that's wrong\", \"actually it should be\")",
	types.MemoryTypeDecision:     "a choice was made between options (\"let's go with\", \"we decided\")",
	types.MemoryTypeCommitment:   "someone promised to do something, possibly with a deadline (\"I will\", \"by Friday\")",
	types.MemoryTypeInsight:      "a non-obvious conclusion about the system or problem was reached",
	types.MemoryTypeLearning:     "something new was learned about a tool, API or domain (\"TIL\", \"turns out\")",
	types.MemoryTypeConfidence:   "explicit certainty or doubt about a claim was expressed",
	types.MemoryTypePatternSeed:  "a recurring preference or habit was stated (\"always\", \"usually\", \"I prefer\")",
	types.MemoryTypeCrossAgent:   "information meant for, or coming from, another agent or assistant",
	types.MemoryTypeWorkflowNote: "how work is done: commands, steps, conventions, review or release process",
	types.MemoryTypeGap:          "something unknown, missing or unanswered that should be followed up",
}

// BuildExtractionPrompt renders the fixed extraction instructions followed by
// the transcript chunk. The model is asked for a bare JSON array.
func BuildExtractionPrompt(chunk string) string {
	var b strings.Builder

	b.WriteString(`TASK: Extract durable, reusable memories from a conversation transcript.
OUTPUT: ONLY a valid JSON array. NO markdown. NO code blocks. NO prose.
If nothing is worth remembering, output [].

MEMORY TYPES (use ONLY these values for "type"):
`)
	for _, t := range types.AllMemoryTypes {
		fmt.Fprintf(&b, "- %s: %s\n", t, memoryTypeTriggers[t])
	}

	b.WriteString(`
EACH ELEMENT MUST HAVE:
- "type": one of the memory types above
- "title": short summary, at most 80 characters
- "content": the full fact, self-contained, understandable without the transcript
- "category": one lowercase word grouping the fact (e.g. "database", "testing", "deploy")
- "confidence": number between 0 and 1
- "related_entities": array of names of people, projects, tools, organizations mentioned

RULES:
1. Only extract facts that would still matter in a future conversation.
2. Do not extract greetings, small talk or transient status updates.
3. One fact per element. Do not merge unrelated facts.
4. Start your response with [ and end with ].

EXAMPLE OUTPUT:
[{"type":"decision","title":"Use PostgreSQL for storage","content":"The team decided to use PostgreSQL instead of MySQL for the orders service.","category":"database","confidence":0.9,"related_entities":["PostgreSQL","MySQL"]}]

TRANSCRIPT:
`)
	b.WriteString(chunk)
	b.WriteString("\n\nJSON ARRAY:")
	return b.String()
}

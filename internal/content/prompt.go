package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = "You write personalized drip sequences. Reply with JSON only."

func buildPrompt(req Request) string {
	var b strings.Builder
	end := req.StartIndex + req.Count - 1
	fmt.Fprintf(&b, "Write items %d to %d (%d items) of a sequence about %q.\n", req.StartIndex, end, req.Count, req.Topic)
	if len(req.Inputs) > 0 {
		inputs, _ := json.Marshal(req.Inputs)
		fmt.Fprintf(&b, "Personalize using these subscriber details: %s\n", inputs)
	}
	b.WriteString("Each item has these sections:\n")
	for i, s := range req.Sections {
		fmt.Fprintf(&b, "%d. %s: %s (about %d words)\n", i+1, s.Name, s.Description, s.WordCount)
	}
	b.WriteString("Give each item a subject line and a short topic_label naming its main subtopic.\n")
	if req.Diversity != "" {
		b.WriteString(req.Diversity)
		b.WriteString("\n")
	}
	b.WriteString(`Respond as {"items":[{"subject":"...","topic_label":"...","sections":{"<section name>":"..."}}]}.`)
	return b.String()
}

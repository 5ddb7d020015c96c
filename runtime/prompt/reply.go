package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/driveline-ai/driveline/runtime/inventory"
)

// Reply is the structured response the model must emit for every turn.
type Reply struct {
	// Message is the SMS text to send.
	Message string `json:"message"`
	// AutoSend marks the reply safe to deliver without salesperson review.
	AutoSend bool `json:"auto_send"`
	// Handoff requests a human take over the conversation.
	Handoff bool `json:"handoff"`
	// HandoffReason names why, nil when Handoff is false.
	HandoffReason *string `json:"handoff_reason"`
	// RetrievalQuery asks for another inventory search when non-empty.
	RetrievalQuery string `json:"retrieval_query"`
	// NextAction is the model's read on where the conversation goes.
	NextAction string `json:"next_action"`
	// Fallback marks replies synthesized from templates after a parse
	// failure.
	Fallback bool `json:"-"`
}

const replySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["message", "auto_send", "handoff", "handoff_reason", "retrieval_query", "next_action"],
	"additionalProperties": false,
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"auto_send": {"type": "boolean"},
		"handoff": {"type": "boolean"},
		"handoff_reason": {"type": ["string", "null"]},
		"retrieval_query": {"type": "string"},
		"next_action": {"type": "string"}
	}
}`

var replySchema = mustCompileReplySchema()

func mustCompileReplySchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(replySchemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("prompt: unmarshal reply schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("reply.json", doc); err != nil {
		panic(fmt.Sprintf("prompt: add reply schema: %v", err))
	}
	schema, err := c.Compile("reply.json")
	if err != nil {
		panic(fmt.Sprintf("prompt: compile reply schema: %v", err))
	}
	return schema
}

// ParseReply extracts and validates the JSON object in raw model output.
// Code fences and prose around the object are tolerated; everything inside
// it is validated against the reply schema.
func ParseReply(content string) (Reply, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return Reply{}, fmt.Errorf("prompt: no JSON object in model output")
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Reply{}, fmt.Errorf("prompt: unmarshal model output: %w", err)
	}
	if err := replySchema.Validate(doc); err != nil {
		return Reply{}, fmt.Errorf("prompt: model output failed validation: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Reply{}, fmt.Errorf("prompt: decode reply: %w", err)
	}
	return reply, nil
}

// extractJSON returns the outermost brace-delimited object in s. Models
// occasionally wrap the object in markdown fences or a lead-in sentence.
func extractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// FallbackReply synthesizes the template response used when model output
// cannot be parsed. The customer's latest message supplies rapport cues; a
// thank-you or apology earns a short acknowledgement prefix so the template
// reads less canned. Fallback replies never auto-send.
func FallbackReply(latest string, vehicles []inventory.Vehicle) Reply {
	prefix := acknowledgement(latest)

	if len(vehicles) == 0 {
		msg := "Thanks for reaching out! I didn't spot an exact match in our current inventory, but new vehicles arrive every week. Want me to have one of our team follow up with some options?"
		if prefix != "" {
			msg = prefix + "I didn't spot an exact match in our current inventory, but new vehicles arrive every week. Want me to have one of our team follow up with some options?"
		}
		return Reply{
			Message:    msg,
			NextAction: "continue",
			Fallback:   true,
		}
	}

	if len(vehicles) > MaxVehicles {
		vehicles = vehicles[:MaxVehicles]
	}
	lines := make([]string, len(vehicles))
	for i, v := range vehicles {
		lines[i] = fmt.Sprintf("%s at %s", v.Label(), money(v.Price))
	}
	return Reply{
		Message:    fmt.Sprintf("%sWe've got a few that could be a great fit: %s. Want to come take a look?", prefix, strings.Join(lines, ", ")),
		NextAction: "propose_test_drive",
		Fallback:   true,
	}
}

// acknowledgement returns a short rapport prefix keyed off gratitude,
// apology, and enthusiasm cues in the customer's message. Empty when no cue
// is present.
func acknowledgement(latest string) string {
	lower := strings.ToLower(latest)
	switch {
	case strings.Contains(lower, "thank"):
		return "You're welcome! "
	case strings.Contains(lower, "sorry") || strings.Contains(lower, "apolog"):
		return "No worries at all. "
	case strings.Contains(lower, "great") || strings.Contains(lower, "awesome") || strings.Contains(lower, "perfect"):
		return "Glad to hear it! "
	}
	return ""
}

// money renders a dollar amount with thousands separators, e.g. "$28,500".
func money(v float64) string {
	s := fmt.Sprintf("%.0f", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}

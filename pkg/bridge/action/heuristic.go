package action

import "strings"

// InferCollect applies the narrow slot-collection heuristic: a weather-shaped
// user utterance answered by a reply that asks for a city yields a collect for
// a required "city" string field. Anything else infers nothing.
func InferCollect(userText, reply string) (Action, bool) {
	user := strings.ToLower(userText)
	if !strings.Contains(user, "weather") {
		return Action{}, false
	}

	lower := strings.ToLower(reply)
	if !strings.Contains(lower, "city") {
		return Action{}, false
	}

	asking := strings.Contains(reply, "?") ||
		strings.Contains(lower, "which city") ||
		strings.Contains(lower, "what city") ||
		strings.Contains(lower, "could you tell me")
	if !asking {
		return Action{}, false
	}

	return CollectFields(Field{Key: "city", Type: FieldString, Required: true}), true
}

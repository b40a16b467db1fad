package capacity

import (
	"encoding/json"
	"math"

	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

const charsPerToken = 4

// EstimateTokens approximates the token count of a conversation at
// roughly 4 characters per token. Structured tool payloads are
// JSON-serialised before being counted; nil/empty content contributes 0.
func EstimateTokens(conversation []models.ConversationMessage) int {
	total := 0
	for _, msg := range conversation {
		total += len(msg.Content) / charsPerToken
		if msg.Structured != nil {
			if b, err := json.Marshal(msg.Structured); err == nil {
				total += len(b) / charsPerToken
			}
		}
	}
	return total
}

// CheckSessionPressure evaluates how much of a W-token context window the
// conversation consumes and classifies the recommended action. Shared by
// the Capacity Monitor and the Workflow Executor so both agree on the
// same thresholds.
func CheckSessionPressure(conversation []models.ConversationMessage, windowSize int, threshold float64) models.SessionStatus {
	tokens := EstimateTokens(conversation)

	var utilization float64
	if windowSize == 0 {
		utilization = math.Inf(1)
	} else {
		utilization = float64(tokens) / float64(windowSize)
	}

	var recommendation, message string
	switch {
	case utilization >= 0.95:
		recommendation, message = "handoff", "handoff required"
	case utilization >= threshold:
		recommendation, message = "checkpoint", "checkpoint recommended"
	case utilization >= 0.6:
		recommendation, message = "summarize", "Consider summarization"
	default:
		recommendation, message = "continue", "Session healthy"
	}

	return models.SessionStatus{
		CurrentTokens:  tokens,
		Utilization:    utilization,
		NearLimit:      utilization >= threshold,
		Recommendation: recommendation,
		Message:        message,
	}
}

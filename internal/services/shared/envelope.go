package shared

import (
	"encoding/json"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
)

// snsEnvelope is the wrapper SNS adds when a topic delivers into a queue.
type snsEnvelope struct {
	Message string `json:"Message"`
}

// DecodeEventBody parses a stage event from a queue message body, unwrapping
// the SNS notification envelope when present.
func DecodeEventBody(body string) (entity.StageEvent, error) {
	var wrapper snsEnvelope
	if err := json.Unmarshal([]byte(body), &wrapper); err == nil && wrapper.Message != "" {
		body = wrapper.Message
	}
	return entity.DecodeStageEvent([]byte(body))
}

package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/mailtide/jmap-api/internal/resultref"
)

// Call is one method invocation from the request envelope:
// [methodName, args, callTag].
type Call struct {
	Name string
	Args map[string]any
	Tag  string
}

// RequestEnvelope is the JMAP request body.
type RequestEnvelope struct {
	MethodCalls []Call `json:"methodCalls"`
}

// ResponseEnvelope is the JMAP response body.
type ResponseEnvelope struct {
	MethodResponses []resultref.MethodResponse `json:"methodResponses"`
}

func (c *Call) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("method call must be an array: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("method call must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &c.Name); err != nil {
		return fmt.Errorf("method name: %w", err)
	}
	if err := json.Unmarshal(parts[1], &c.Args); err != nil {
		return fmt.Errorf("method args: %w", err)
	}
	if err := json.Unmarshal(parts[2], &c.Tag); err != nil {
		return fmt.Errorf("call tag: %w", err)
	}
	return nil
}

func (c Call) MarshalJSON() ([]byte, error) {
	args := c.Args
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal([]any{c.Name, args, c.Tag})
}

func (e ResponseEnvelope) MarshalJSON() ([]byte, error) {
	responses := make([][]any, len(e.MethodResponses))
	for i, r := range e.MethodResponses {
		args := r.Args
		if args == nil {
			args = map[string]any{}
		}
		responses[i] = []any{r.Name, args, r.Tag}
	}
	return json.Marshal(map[string]any{"methodResponses": responses})
}

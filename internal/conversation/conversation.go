// Package conversation inspects the host's opaque turn payload. The payload
// is forwarded to the billing authority untouched; the only thing read from
// it here is the identifier of the latest assistant turn.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrNoAssistantTurn  = errors.New("no assistant turn in conversation")
	ErrNoTurnIdentifier = errors.New("assistant turn has no identifier")
)

const assistantRole = "assistant"

// LastAssistantTurnID scans body.messages in order and returns the id of the
// last message authored by the assistant.
func LastAssistantTurnID(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", ErrNoAssistantTurn
	}

	var last gjson.Result
	found := false
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == assistantRole {
			last = msg
			found = true
		}
		return true
	})
	if !found {
		return "", ErrNoAssistantTurn
	}

	id := last.Get("id")
	if !id.Exists() || id.Type == gjson.Null || id.String() == "" {
		return "", ErrNoTurnIdentifier
	}
	return id.String(), nil
}

// UserContext is the host's user object reduced to plain JSON data.
type UserContext map[string]any

// FlattenUser converts the host user object, including any nested settings
// objects, into plain maps, slices and scalars. Numbers are kept as
// json.Number so large integer ids reach the authority unchanged.
func FlattenUser(user map[string]any) (UserContext, error) {
	if user == nil {
		return UserContext{}, nil
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user context: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var flat UserContext
	if err := dec.Decode(&flat); err != nil {
		return nil, fmt.Errorf("failed to decode user context: %w", err)
	}
	return flat, nil
}

// UserID returns the "id" field of the user context, if it is a string.
func (u UserContext) UserID() string {
	if id, ok := u["id"].(string); ok {
		return id
	}
	return ""
}

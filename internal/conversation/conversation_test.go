package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastAssistantTurnID(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{
			name: "picks last assistant turn",
			body: `{"messages":[
				{"role":"user","id":"u1"},
				{"role":"assistant","id":"a1"},
				{"role":"user","id":"u2"},
				{"role":"assistant","id":"a2"},
				{"role":"user","id":"u3"}]}`,
			want: "a2",
		},
		{
			name:    "no assistant turn",
			body:    `{"messages":[{"role":"user","id":"u1"}]}`,
			wantErr: ErrNoAssistantTurn,
		},
		{
			name:    "no messages",
			body:    `{"model":"gpt-4"}`,
			wantErr: ErrNoAssistantTurn,
		},
		{
			name:    "invalid json",
			body:    `{not json`,
			wantErr: ErrNoAssistantTurn,
		},
		{
			name:    "assistant without id",
			body:    `{"messages":[{"role":"assistant","id":"a1"},{"role":"assistant","content":"hi"}]}`,
			wantErr: ErrNoTurnIdentifier,
		},
		{
			name:    "null id",
			body:    `{"messages":[{"role":"assistant","id":null}]}`,
			wantErr: ErrNoTurnIdentifier,
		},
		{
			name:    "empty id",
			body:    `{"messages":[{"role":"assistant","id":""}]}`,
			wantErr: ErrNoTurnIdentifier,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LastAssistantTurnID([]byte(tc.body))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type userValves struct {
	ShowCost bool   `json:"show_cost"`
	Language string `json:"language"`
}

func TestFlattenUser(t *testing.T) {
	user := map[string]any{
		"id":     "user-1",
		"name":   "Ada",
		"valves": userValves{ShowCost: true, Language: "zh"},
	}

	flat, err := FlattenUser(user)
	require.NoError(t, err)

	assert.Equal(t, "user-1", flat.UserID())
	valves, ok := flat["valves"].(map[string]any)
	require.True(t, ok, "valves should be flattened to a plain map, got %T", flat["valves"])
	assert.Equal(t, true, valves["show_cost"])
	assert.Equal(t, "zh", valves["language"])
}

func TestFlattenUser_Nil(t *testing.T) {
	flat, err := FlattenUser(nil)
	require.NoError(t, err)
	assert.Empty(t, flat)
	assert.Equal(t, "", flat.UserID())
}

func TestFlattenUser_Unencodable(t *testing.T) {
	_, err := FlattenUser(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestFlattenUser_KeepsLargeIntegers(t *testing.T) {
	user := map[string]any{
		"id":       "user-1",
		"tenant":   json.Number("9007199254740993"),
		"quota":    uint64(18446744073709551615),
		"settings": map[string]any{"org_id": int64(9007199254740995)},
	}

	flat, err := FlattenUser(user)
	require.NoError(t, err)

	raw, err := json.Marshal(flat)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tenant":9007199254740993`)
	assert.Contains(t, string(raw), `"quota":18446744073709551615`)
	assert.Contains(t, string(raw), `"org_id":9007199254740995`)
}

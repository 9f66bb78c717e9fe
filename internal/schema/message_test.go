package schema

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestClientMessageValidate(t *testing.T) {
	value := NewValue("x")
	cases := []struct {
		name    string
		msg     ClientMessage
		wantErr bool
	}{
		{"subscribe ok", ClientMessage{Type: ClientSubscribe, Key: "k"}, false},
		{"subscribe missing key", ClientMessage{Type: ClientSubscribe}, true},
		{"get ok", ClientMessage{Type: ClientGet, Key: "k", Seq: 3}, false},
		{"push append", ClientMessage{Type: ClientPush, Key: "k", Action: &Action{Type: ActionAppend}, Value: &value}, false},
		{"push compact", ClientMessage{Type: ClientPush, Key: "k", Action: &Action{Type: ActionCompact, Seq: 4}, Value: &value}, false},
		{"push missing action", ClientMessage{Type: ClientPush, Key: "k"}, true},
		{"push unknown action", ClientMessage{Type: ClientPush, Key: "k", Action: &Action{Type: "mangle"}}, true},
		{"ping", ClientMessage{Type: ClientPing}, false},
		{"missing type", ClientMessage{}, true},
		{"unknown type", ClientMessage{Type: "bogus"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClientMessageJSONShape(t *testing.T) {
	raw := `{"type":"push","key":"k","action":{"type":"compact","seq":5},"value":{"state":"snapshot"}}`
	msg := new(ClientMessage)
	require.NoError(t, json.Unmarshal([]byte(raw), msg))
	require.Equal(t, ClientPush, msg.Type)
	require.Equal(t, "k", msg.Key)
	require.Equal(t, ActionCompact, msg.Action.Type)
	require.Equal(t, uint64(5), msg.Action.Seq)
	require.Equal(t, map[string]any{"state": "snapshot"}, msg.Value.Interface())
}

func TestServerMessageJSONShape(t *testing.T) {
	value := NewValue("foo")
	msg := &ServerMessage{Type: ServerPush, Key: "k", Seq: 1, Value: &value}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"push","key":"k","seq":1,"value":"foo"}`, string(data))
}

package server

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/driftlab/driftdb/internal/schema"
)

// handleSend is the one-shot adapter: a single inbound message posted as
// JSON, answered without establishing any subscription. A get returns its
// init, a ping its pong; a push returns null, or the stream_size advisory
// once the log holds more than one entry (matching the original service).
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := s.dir.Resolve(roomID)
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	msg := new(schema.ClientMessage)
	if err := json.Unmarshal(body, msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed message")
		return
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, errorText(err))
		return
	}
	room.Touch()

	switch msg.Type {
	case schema.ClientGet:
		writeJSON(w, http.StatusOK, snapshotMessage(room, msg.Key, msg.Seq))

	case schema.ClientPing:
		writeJSON(w, http.StatusOK, &schema.ServerMessage{Type: schema.ServerPong, Nonce: msg.Nonce})

	case schema.ClientPush:
		stream := room.GetOrCreate(msg.Key)
		var value schema.Value
		if msg.Value != nil {
			value = *msg.Value
		}
		result, err := stream.Push(msg.Action, value)
		if err != nil {
			writeError(w, statusFor(err), errorText(err))
			return
		}
		if result.Size > 1 {
			writeJSON(w, http.StatusOK, &schema.ServerMessage{
				Type: schema.ServerStreamSize,
				Key:  msg.Key,
				Size: result.Size,
			})
			return
		}
		writeJSON(w, http.StatusOK, nil)

	case schema.ClientSubscribe:
		writeError(w, http.StatusBadRequest, "cannot subscribe over a one-shot request")
	}
}

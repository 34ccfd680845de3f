package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Media event kinds delivered by the plane to an agent participant.
const (
	EventUserUtterance     = "user_utterance"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventRoomEmpty         = "room_empty"
)

// MediaEvent is one event on the room's agent channel.
type MediaEvent struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// agentSpeech is the outbound payload carrying the agent's reply.
type agentSpeech struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// MediaSession is the worker's attachment to its room. The production
// implementation is a websocket; tests substitute a channel-backed fake.
type MediaSession interface {
	// Events streams room events until the session closes.
	Events() <-chan MediaEvent

	// SendSpeech delivers the agent's reply into the room.
	SendSpeech(ctx context.Context, text string) error

	// Close detaches from the room.
	Close(reason string) error
}

// wsSession attaches to the media plane's agent websocket.
type wsSession struct {
	conn   *websocket.Conn
	events chan MediaEvent
}

var _ MediaSession = (*wsSession)(nil)

// DialRoom connects to the room's agent channel. serverURL is the media
// plane base URL; token is the agent participant token minted for this
// worker.
func DialRoom(ctx context.Context, serverURL, roomName, token string) (MediaSession, error) {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/v1/rooms/" + roomName + "/agent"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("worker: attach to room %s: %w", roomName, err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan MediaEvent, 16),
	}
	go s.readLoop(ctx)
	return s, nil
}

// readLoop decodes inbound events until the connection or context ends.
// Malformed frames are skipped.
func (s *wsSession) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var ev MediaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) Events() <-chan MediaEvent { return s.events }

func (s *wsSession) SendSpeech(ctx context.Context, text string) error {
	return wsjson.Write(ctx, s.conn, agentSpeech{Kind: "agent_speech", Text: text})
}

func (s *wsSession) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

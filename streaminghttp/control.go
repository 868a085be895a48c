package streaminghttp

import (
	"context"
	"encoding/json"
	"log/slog"
)

// controlTopic carries session control messages between instances.
const controlTopic = "session-control"

type controlKind string

const (
	controlCancel controlKind = "cancel"
	controlClose  controlKind = "close"
)

// controlMessage asks whichever instance holds a session to cancel one of its
// calls or to drop the session entirely. Origin is the publishing instance,
// which has already applied the message locally.
type controlMessage struct {
	Origin    string      `json:"origin"`
	Kind      controlKind `json:"kind"`
	SessionID string      `json:"sessionId"`
	RequestID string      `json:"requestId,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

func (h *StreamingHTTPHandler) publishControl(ctx context.Context, msg controlMessage) {
	msg.Origin = h.instance
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.ErrorContext(ctx, "control.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.bus.Publish(ctx, controlTopic, b); err != nil {
		h.log.WarnContext(ctx, "control.publish.fail", slog.String("kind", string(msg.Kind)), slog.String("err", err.Error()))
	}
}

func (h *StreamingHTTPHandler) handleControl(ctx context.Context, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.WarnContext(ctx, "control.decode.fail", slog.String("err", err.Error()))
		return nil
	}
	if msg.Origin == h.instance {
		return nil
	}

	switch msg.Kind {
	case controlCancel:
		sess, ok := h.cached(msg.SessionID)
		if !ok {
			return nil
		}
		if sess.Cancel(msg.RequestID, msg.Reason) {
			h.log.InfoContext(ctx, "control.cancel.applied",
				slog.String("session_id", msg.SessionID),
				slog.String("request_id", msg.RequestID))
		}
	case controlClose:
		h.evict(msg.SessionID, "session deleted")
	default:
		h.log.WarnContext(ctx, "control.kind.unknown", slog.String("kind", string(msg.Kind)))
	}
	return nil
}

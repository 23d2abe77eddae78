package api

import (
	"encoding/json"

	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/conversation"
	"github.com/matheus3301/wutzup/internal/outbox"
	"github.com/matheus3301/wutzup/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func num(in *structpb.Struct, key string) int64 {
	return int64(in.GetFields()[key].GetNumberValue())
}

func boolean(in *structpb.Struct, key string, def bool) bool {
	v, ok := in.GetFields()[key]
	if !ok {
		return def
	}
	return v.GetBoolValue()
}

func strs(in *structpb.Struct, key string) []string {
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func respond(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func list[T any](items []T, conv func(T) any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, conv(it))
	}
	return out
}

func stringList(ss []string) []any {
	return list(ss, func(s string) any { return s })
}

func messageMap(m store.Message) map[string]any {
	out := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"timestamp":       m.Timestamp,
		"status":          string(m.Status),
		"delivered_to":    stringList(m.DeliveredTo),
		"read_by":         stringList(m.ReadBy),
	}
	if m.Media != nil {
		out["media"] = map[string]any{"url": m.Media.URL, "mime_type": m.Media.MIMEType}
	}
	return out
}

func conversationMap(c store.Conversation) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"name":                 c.Name,
		"is_group":             c.IsGroup,
		"participant_ids":      stringList(c.ParticipantIDs),
		"unread_count":         c.UnreadCount,
		"last_message_at":      c.LastMessageAt,
		"last_message_preview": c.LastMessagePreview,
	}
}

func entryMap(e store.QueuedEntry) map[string]any {
	return map[string]any{
		"message":         messageMap(e.Message),
		"retry_count":     e.RetryCount,
		"last_attempt_at": e.LastAttemptAt,
		"status":          string(e.Status),
		"last_error":      e.LastError,
	}
}

func statusUpdateMap(u outbox.StatusUpdate) map[string]any {
	out := map[string]any{
		"message_id":      u.MessageID,
		"conversation_id": u.ConversationID,
		"status":          string(u.Status),
	}
	if u.Err != "" {
		out["error"] = u.Err
	}
	if u.Message != nil {
		out["message"] = messageMap(*u.Message)
	}
	return out
}

func receiptsMap(r conversation.Receipts) map[string]any {
	return map[string]any{
		"conversation_id": r.ConversationID,
		"delivered":       stringList(r.Delivered),
		"read":            stringList(r.Read),
	}
}

// payloadValue converts an event payload into a structpb-compatible value.
// Types without a dedicated mapping go through their JSON form.
func payloadValue(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case string:
		return v
	case store.Message:
		return messageMap(v)
	case outbox.StatusUpdate:
		return statusUpdateMap(v)
	case conversation.Receipts:
		return receiptsMap(v)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func eventMap(evt bus.Event) map[string]any {
	return map[string]any{
		"kind":    evt.Kind,
		"ts":      evt.Timestamp.UnixMilli(),
		"payload": payloadValue(evt.Payload),
	}
}

package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/bugle/internal/datamodel"
	"github.com/matheus3301/bugle/internal/notify"
	"github.com/matheus3301/bugle/internal/store"
	intsync "github.com/matheus3301/bugle/internal/sync"
	"github.com/matheus3301/bugle/internal/telephony"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads request fields. Missing fields read as zero values.
type args struct {
	s *structpb.Struct
}

func (a args) value(key string) *structpb.Value { return a.s.GetFields()[key] }

func (a args) int(key string) int64 { return int64(a.value(key).GetNumberValue()) }

func (a args) str(key string) string { return a.value(key).GetStringValue() }

func (a args) bool(key string) bool { return a.value(key).GetBoolValue() }

func (a args) strings(key string) []string {
	var out []string
	for _, v := range a.value(key).GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a args) structs(key string) []args {
	var out []args
	for _, v := range a.value(key).GetListValue().GetValues() {
		if s := v.GetStructValue(); s != nil {
			out = append(out, args{s})
		}
	}
	return out
}

// id reads a required positive id.
func (a args) id(key string) (int64, error) {
	id := a.int(key)
	if id <= 0 {
		return 0, errMissing(key)
	}
	return id, nil
}

func errMissing(key string) error {
	return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case store.IsTransient(err):
		code = codes.Unavailable
	case errors.Is(err, datamodel.ErrDraftStatus):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrBatchOpen), errors.Is(err, intsync.ErrTooManyRetries):
		code = codes.Aborted
	}
	return grpcstatus.Error(code, err.Error())
}

// parts reads message parts. A top-level "text" becomes the first part.
func parts(a args) []store.Part {
	var out []store.Part
	if text := a.str("text"); text != "" {
		out = append(out, store.Part{Text: text, ContentType: "text/plain"})
	}
	for _, p := range a.structs("parts") {
		out = append(out, store.Part{
			Text:        p.str("text"),
			URI:         p.str("uri"),
			ContentType: p.str("content_type"),
			Width:       int(p.int("width")),
			Height:      int(p.int("height")),
		})
	}
	return out
}

func providerMessage(a args) *telephony.ProviderMessage {
	pm := &telephony.ProviderMessage{
		URI:               a.str("uri"),
		ThreadID:          a.int("thread_id"),
		Protocol:          store.Protocol(a.int("protocol")),
		Status:            store.Status(a.int("status")),
		Sender:            a.str("sender"),
		SubID:             int(a.int("sub_id")),
		SentTimestamp:     a.int("sent_timestamp"),
		ReceivedTimestamp: a.int("received_timestamp"),
		Seen:              a.bool("seen"),
		Read:              a.bool("read"),
		Subject:           a.str("subject"),
	}
	if pm.ReceivedTimestamp == 0 {
		pm.ReceivedTimestamp = time.Now().UnixMilli()
	}
	for _, p := range parts(a) {
		pm.Parts = append(pm.Parts, telephony.PartContent{
			Text: p.Text, URI: p.URI, ContentType: p.ContentType, Width: p.Width, Height: p.Height,
		})
	}
	return pm
}

func messageMap(m *store.Message) map[string]any {
	ps := make([]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		part := map[string]any{"content_type": p.ContentType}
		if p.Attachment() {
			part["uri"] = p.URI
		} else {
			part["text"] = p.Text
		}
		ps = append(ps, part)
	}
	return map[string]any{
		"id":                 m.ID,
		"conversation_id":    m.ConversationID,
		"sender_id":          m.SenderID,
		"self_id":            m.SelfID,
		"received_timestamp": m.ReceivedTimestamp,
		"sent_timestamp":     m.SentTimestamp,
		"status":             int(m.Status),
		"protocol":           int(m.Protocol),
		"seen":               m.Seen,
		"read":               m.Read,
		"subject":            m.MMSSubject,
		"text":               m.Text(),
		"parts":              ps,
	}
}

func conversationMap(c *store.Conversation) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"thread_id":            c.ThreadID,
		"name":                 c.Name,
		"snippet":              c.SnippetText,
		"subject":              c.SubjectText,
		"sort_timestamp":       c.SortTimestamp,
		"archived":             c.Archived,
		"participant_count":    c.ParticipantCount,
		"show_draft":           c.ShowDraft,
		"draft_snippet":        c.DraftSnippetText,
		"notification_enabled": c.NotificationEnabled,
	}
}

func descriptorMap(d *notify.Descriptor) map[string]any {
	ids := make([]any, len(d.ConversationIDs))
	for i, id := range d.ConversationIDs {
		ids[i] = id
	}
	lines := make([]any, len(d.Lines))
	for i, l := range d.Lines {
		lines[i] = l
	}
	return map[string]any{
		"state_id":         d.StateID,
		"tag":              d.Tag,
		"type":             d.Type.String(),
		"conversation_ids": ids,
		"title":            d.Title,
		"content":          d.Content,
		"ticker":           d.Ticker,
		"big_text":         d.BigText,
		"lines":            lines,
		"when":             d.When,
		"group":            d.Group,
		"sort_key":         d.SortKey,
		"audible":          d.Audible,
	}
}

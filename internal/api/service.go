// Package api serves the daemon's control surface over gRPC. Messages are
// structpb.Struct values so clients need no generated code.
package api

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/datamodel"
	"github.com/matheus3301/bugle/internal/notify"
	"github.com/matheus3301/bugle/internal/status"
	"github.com/matheus3301/bugle/internal/store"
	intsync "github.com/matheus3301/bugle/internal/sync"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultListLimit = 50

	// generatedURIPrefix marks provider uris assigned by the daemon.
	generatedURIPrefix = "bugle://message/"
)

// Deps are the components a Service drives.
type Deps struct {
	Profile  string
	Ops      *datamodel.Operations
	Sync     *intsync.Engine
	Notify   *notify.Engine
	Tray     *notify.Tray
	Provider *telephony.Memory
	Machine  *status.Machine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service implements MessagingServer.
type Service struct {
	Deps
}

// NewService returns a Service over d. Provider may be nil when a device
// bridge owns the provider history.
func NewService(d Deps) *Service {
	return &Service{Deps: d}
}

// IngestMessage stores a message delivered by the telephony bridge. A
// message whose uri is already stored is reported as a duplicate. Messages
// without a uri get a generated one, which is returned so the caller can
// resend without duplicating.
func (s *Service) IngestMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	pm := providerMessage(a)
	if pm.URI == "" {
		pm.URI = generatedURIPrefix + uuid.NewString()
	}
	if s.Provider != nil {
		if recipients := a.strings("recipients"); len(recipients) > 0 {
			s.Provider.SetThread(pm.ThreadID, recipients...)
		}
	}
	id, err := s.Sync.Ingest(ctx, pm)
	if err != nil {
		return nil, toStatus(err)
	}
	if id > 0 && s.Provider != nil {
		s.Provider.AddMessage(*pm)
	}
	return reply(map[string]any{"message_id": id, "uri": pm.URI, "duplicate": id == 0})
}

func (s *Service) DeleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := args{in}.id("message_id")
	if err != nil {
		return nil, err
	}
	n, err := s.Ops.DeleteMessage(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	s.refreshNotifications(ctx)
	return reply(map[string]any{"deleted": n})
}

func (s *Service) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	convID, err := a.id("conversation_id")
	if err != nil {
		return nil, err
	}
	limit := int(a.int("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	msgs, err := s.Ops.ListMessages(ctx, convID, a.int("before"), limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageMap(&msgs[i]))
	}
	return reply(map[string]any{"messages": out, "has_more": len(msgs) == limit})
}

func (s *Service) ReadDraft(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	convID, err := a.id("conversation_id")
	if err != nil {
		return nil, err
	}
	draft, err := s.Ops.ReadDraft(ctx, convID, a.int("self_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(messageMap(draft))
}

// WriteDraft replaces a conversation's draft. "clear" removes it.
func (s *Service) WriteDraft(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	convID, err := a.id("conversation_id")
	if err != nil {
		return nil, err
	}
	mode := datamodel.DraftAdd
	var draft *store.Message
	if a.bool("clear") {
		mode = datamodel.DraftClear
	} else {
		draft = &store.Message{
			SelfID:     a.int("self_id"),
			MMSSubject: a.str("subject"),
			Parts:      parts(a),
		}
	}
	id, err := s.Ops.UpdateDraft(ctx, convID, draft, mode)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"draft_id": id})
}

// MarkSeen acknowledges unseen messages of one conversation, or of all
// conversations when conversation_id is absent.
func (s *Service) MarkSeen(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID := args{in}.int("conversation_id")
	var (
		n   int64
		err error
	)
	if convID > 0 {
		n, err = s.Ops.MarkConversationSeen(ctx, convID)
	} else {
		n, err = s.Ops.MarkAllSeen(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	s.Notify.ResetLastDing(convID)
	s.refreshNotifications(ctx)
	return reply(map[string]any{"updated": n})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID, err := args{in}.id("conversation_id")
	if err != nil {
		return nil, err
	}
	n, err := s.Ops.MarkConversationRead(ctx, convID)
	if err != nil {
		return nil, toStatus(err)
	}
	s.Notify.ResetLastDing(convID)
	s.refreshNotifications(ctx)
	return reply(map[string]any{"updated": n})
}

func (s *Service) ArchiveConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	convID, err := a.id("conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.Ops.ArchiveConversation(ctx, convID, a.bool("archived")); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"conversation_id": convID})
}

func (s *Service) BlockDestination(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	dest := strings.TrimSpace(a.str("destination"))
	if dest == "" {
		return nil, errMissing("destination")
	}
	if err := s.Ops.UpdateDestinationBlocked(ctx, dest, a.bool("blocked")); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"destination": dest, "blocked": a.bool("blocked")})
}

// FocusConversation suppresses notifications for the conversation the
// user has open. Zero clears the focus.
func (s *Service) FocusConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID := args{in}.int("conversation_id")
	s.Notify.SetFocusedConversation(convID)
	return reply(map[string]any{"conversation_id": convID})
}

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	limit := int(a.int("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	convs, err := s.Ops.ListConversations(ctx, a.bool("archived"), limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, 0, len(convs))
	for i := range convs {
		out = append(out, conversationMap(&convs[i]))
	}
	return reply(map[string]any{"conversations": out})
}

// GetNotificationState lists the notifications currently posted.
func (s *Service) GetNotificationState(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	active := s.Tray.Active()
	out := make([]any, 0, len(active))
	for _, d := range active {
		out = append(out, descriptorMap(d))
	}
	return reply(map[string]any{"notifications": out})
}

// StartSync runs a sync to completion. "full" requests a full sync.
func (s *Service) StartSync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.Sync.Sync(ctx, args{in}.bool("full"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"started":  res.Started,
		"full":     res.Full,
		"batches":  res.Batches,
		"redone":   res.Redone,
		"inserted": res.Inserted,
	})
}

func (s *Service) GetSyncStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	coord := s.Sync.Coordinator()
	syncing, startedAt := coord.Syncing()
	return reply(map[string]any{
		"profile":        s.Profile,
		"status":         string(s.Machine.Current()),
		"reason":         s.Machine.Reason(),
		"syncing":        syncing,
		"sync_started":   startedAt,
		"last_full_sync": coord.LastFullSync(),
	})
}

// WatchChanges streams bus events under the requested prefix, change
// signals by default, until the client goes away.
func (s *Service) WatchChanges(in *structpb.Struct, stream grpc.ServerStream) error {
	prefix := args{in}.str("prefix")
	if prefix == "" {
		prefix = bus.ChangeNamespace
	}
	ch, unsub := s.Bus.Subscribe(prefix, 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-ch:
			fields := map[string]any{
				"event_id":            uuid.NewString(),
				"profile":             s.Profile,
				"kind":                evt.Kind,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
			}
			if p, ok := evt.Payload.(string); ok {
				fields["payload"] = p
			}
			msg, err := structpb.NewStruct(fields)
			if err != nil {
				return toStatus(err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// refreshNotifications re-derives notifications silently after the user
// acted on messages.
func (s *Service) refreshNotifications(ctx context.Context) {
	if err := s.Notify.Update(ctx, 0, true, notify.CoverageAll); err != nil {
		s.Logger.Warn("notification refresh failed", zap.Error(err))
	}
}

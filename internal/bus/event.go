package bus

import (
	"strconv"
	"time"
)

// Event is a signal published on the bus. Payload is kind-specific.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Change signal kinds. Per-entity kinds carry the entity id as a suffix so
// subscribers can filter on a prefix such as "change.conversation.42".
const (
	ChangeNamespace = "change."

	KindAll                  = "change.all"
	KindParticipants         = "change.participants"
	KindMessages             = "change.messages"
	KindConversationList     = "change.conversation_list"
	kindConversation         = "change.conversation."
	kindConversationMessages = "change.conversation_messages."
	kindConversationMembers  = "change.conversation_participants."

	// Telephony events carry inbound traffic from an in-process device
	// bridge to the sync engine. The payload is a *telephony.ProviderMessage.
	TelephonyNamespace = "telephony."
	KindInboundMessage = "telephony.inbound_message"

	// Notification events describe what was posted or cancelled.
	NotificationNamespace    = "notification."
	KindNotificationPosted   = "notification.posted"
	KindNotificationCanceled = "notification.canceled"

	// KindStoreFailure reports a transient storage failure to the user.
	KindStoreFailure = "store.failure"

	SyncNamespace     = "sync."
	KindSyncStarted   = "sync.started"
	KindSyncBatch     = "sync.batch"
	KindSyncCompleted = "sync.completed"

	StatusNamespace   = "status."
	KindStatusChanged = "status.changed"
)

// KindConversation is the change kind for a conversation row.
func KindConversation(id int64) string {
	return kindConversation + strconv.FormatInt(id, 10)
}

// KindConversationMessages is the change kind for a conversation's messages.
func KindConversationMessages(id int64) string {
	return kindConversationMessages + strconv.FormatInt(id, 10)
}

// KindConversationParticipants is the change kind for a conversation's
// participant set.
func KindConversationParticipants(id int64) string {
	return kindConversationMembers + strconv.FormatInt(id, 10)
}

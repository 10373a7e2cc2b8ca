package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `messages._id, messages.conversation_id,
	COALESCE(messages.sender_id, 0), COALESCE(messages.self_id, 0),
	messages.sent_timestamp, messages.received_timestamp, messages.message_protocol, messages.message_status,
	messages.seen, messages.read, messages.sms_message_uri, messages.sms_priority, messages.sms_message_size,
	messages.mms_subject, messages.mms_transaction_id, messages.mms_content_location, messages.mms_expiry,
	messages.raw_status, messages.retry_start_timestamp`

func scanMessage(s rowScanner) (*Message, error) {
	var m Message
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SelfID,
		&m.SentTimestamp, &m.ReceivedTimestamp, &m.Protocol, &m.Status,
		&m.Seen, &m.Read, &m.SMSMessageURI, &m.SMSPriority, &m.SMSMessageSize,
		&m.MMSSubject, &m.MMSTransactionID, &m.MMSContentLocation, &m.MMSExpiry,
		&m.RawStatus, &m.RetryStartTimestamp)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func getMessageWhere(ctx context.Context, q Querier, where string, args ...any) (*Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Parts, err = PartsForMessage(ctx, q, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage returns a message with its parts, or nil if it does not exist.
func GetMessage(ctx context.Context, q Querier, id int64) (*Message, error) {
	return getMessageWhere(ctx, q, `_id = ?`, id)
}

// LatestMessage returns the newest non-draft message of a conversation.
func LatestMessage(ctx context.Context, q Querier, conversationID int64) (*Message, error) {
	return getMessageWhere(ctx, q, `conversation_id = ? AND message_status != ?
		ORDER BY received_timestamp DESC, _id DESC LIMIT 1`, conversationID, StatusOutgoingDraft)
}

// DraftMessage returns the draft of a conversation, or nil.
func DraftMessage(ctx context.Context, q Querier, conversationID int64) (*Message, error) {
	return getMessageWhere(ctx, q, `conversation_id = ? AND message_status = ?`, conversationID, StatusOutgoingDraft)
}

// MessageIDByURI returns the id of the message synced from a provider uri,
// or 0 when none is stored.
func MessageIDByURI(ctx context.Context, q Querier, uri string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT _id FROM messages WHERE sms_message_uri = ? LIMIT 1`, uri).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// InsertMessage stores the message row and its parts. Callers own the
// transaction so the row and parts commit together.
func InsertMessage(ctx context.Context, tx *Tx, m *Message) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, self_id, sent_timestamp, received_timestamp,
			message_protocol, message_status, seen, read, sms_message_uri, sms_priority, sms_message_size,
			mms_subject, mms_transaction_id, mms_content_location, mms_expiry, raw_status, retry_start_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, nullID(m.SenderID), nullID(m.SelfID), m.SentTimestamp, m.ReceivedTimestamp,
		m.Protocol, m.Status, m.Seen, m.Read, m.SMSMessageURI, m.SMSPriority, m.SMSMessageSize,
		m.MMSSubject, m.MMSTransactionID, m.MMSContentLocation, m.MMSExpiry, m.RawStatus, m.RetryStartTimestamp)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	if err := InsertParts(ctx, tx, m); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateMessageRow rewrites the mutable columns of a stored message.
func UpdateMessageRow(ctx context.Context, q Querier, m *Message) error {
	return expectOne(q.ExecContext(ctx, `
		UPDATE messages SET sender_id = ?, self_id = ?, sent_timestamp = ?, received_timestamp = ?,
			message_protocol = ?, message_status = ?, seen = ?, read = ?, sms_message_uri = ?,
			sms_priority = ?, sms_message_size = ?, mms_subject = ?, mms_transaction_id = ?,
			mms_content_location = ?, mms_expiry = ?, raw_status = ?, retry_start_timestamp = ?
		WHERE _id = ?`,
		nullID(m.SenderID), nullID(m.SelfID), m.SentTimestamp, m.ReceivedTimestamp,
		m.Protocol, m.Status, m.Seen, m.Read, m.SMSMessageURI,
		m.SMSPriority, m.SMSMessageSize, m.MMSSubject, m.MMSTransactionID,
		m.MMSContentLocation, m.MMSExpiry, m.RawStatus, m.RetryStartTimestamp, m.ID))
}

// InsertParts stores every part of m under m.ID.
func InsertParts(ctx context.Context, q Querier, m *Message) error {
	for i := range m.Parts {
		p := &m.Parts[i]
		res, err := q.ExecContext(ctx, `
			INSERT INTO parts (message_id, conversation_id, text, uri, content_type, width, height)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, p.Text, p.URI, p.ContentType, partDimension(p.Width), partDimension(p.Height))
		if err != nil {
			return fmt.Errorf("insert part %d of message %d: %w", i, m.ID, err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		p.MessageID = m.ID
		p.ConversationID = m.ConversationID
		p.Timestamp = m.ReceivedTimestamp
	}
	return nil
}

func partDimension(v int) int {
	if v <= 0 {
		return -1
	}
	return v
}

// DeleteParts removes every part of a message.
func DeleteParts(ctx context.Context, q Querier, messageID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM parts WHERE message_id = ?`, messageID)
	return err
}

// PartsForMessage returns a message's parts in insertion order.
func PartsForMessage(ctx context.Context, q Querier, messageID int64) ([]Part, error) {
	var parts []Part
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		var p Part
		if err := rows.Scan(&p.ID, &p.MessageID, &p.ConversationID, &p.Text, &p.URI,
			&p.ContentType, &p.Width, &p.Height, &p.Timestamp); err != nil {
			return err
		}
		parts = append(parts, p)
		return nil
	}, `SELECT _id, message_id, conversation_id, text, uri, content_type, width, height, timestamp
		FROM parts WHERE message_id = ? ORDER BY _id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("parts for message %d: %w", messageID, err)
	}
	return parts, nil
}

// DraftAttachmentURIs lists the attachment uris of a conversation's draft.
func DraftAttachmentURIs(ctx context.Context, q Querier, conversationID int64) ([]string, error) {
	var uris []string
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err
		}
		uris = append(uris, uri)
		return nil
	}, `SELECT uri FROM draft_parts WHERE conversation_id = ? AND uri != ''`, conversationID)
	return uris, err
}

// DeleteMessageRow removes a message; parts cascade.
func DeleteMessageRow(ctx context.Context, q Querier, id int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM messages WHERE _id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete message %d: %w", id, err)
	}
	return res.RowsAffected()
}

// DeleteDraft removes the draft of a conversation and returns the row count.
func DeleteDraft(ctx context.Context, q Querier, conversationID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND message_status = ?`,
		conversationID, StatusOutgoingDraft)
	if err != nil {
		return 0, fmt.Errorf("delete draft: %w", err)
	}
	return res.RowsAffected()
}

// CountMessages returns the number of non-draft messages in a conversation.
func CountMessages(ctx context.Context, q Querier, conversationID int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND message_status != ?`,
		conversationID, StatusOutgoingDraft).Scan(&n)
	return n, err
}

// ListMessages returns non-draft messages of a conversation using keyset
// pagination on received_timestamp, newest first.
func ListMessages(ctx context.Context, q Querier, conversationID, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	var msgs []Message
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		msgs = append(msgs, *m)
		return nil
	}, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND message_status != ? AND received_timestamp < ?
		ORDER BY received_timestamp DESC, _id DESC
		LIMIT ?`, conversationID, StatusOutgoingDraft, beforeTs, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].Parts, err = PartsForMessage(ctx, q, msgs[i].ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// MarkSeen flags unseen messages as seen. conversationID 0 targets all
// conversations. Returns the number of rows changed.
func MarkSeen(ctx context.Context, q Querier, conversationID int64) (int64, error) {
	query := `UPDATE messages SET seen = 1 WHERE seen = 0`
	var args []any
	if conversationID > 0 {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return res.RowsAffected()
}

// MarkRead flags every message in a conversation as read and seen, and
// records the read time.
func MarkRead(ctx context.Context, q Querier, conversationID int64, now int64) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE messages SET read = 1, seen = 1
		WHERE conversation_id = ? AND (read = 0 OR seen = 0)`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE conversations SET last_read_timestamp = ? WHERE _id = ?`,
		now, conversationID); err != nil {
		return 0, fmt.Errorf("record read time: %w", err)
	}
	return res.RowsAffected()
}

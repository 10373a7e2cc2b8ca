package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conversationColumns = `_id, sms_thread_id, name, latest_message_id,
	snippet_text, subject_text, preview_uri, preview_content_type,
	show_draft, draft_snippet_text, draft_subject_text, draft_preview_uri, draft_preview_content_type,
	archive_status, sort_timestamp, last_read_timestamp, icon,
	participant_contact_id, participant_lookup_key, other_participant_normalized_destination,
	current_self_id, participant_count,
	notification_enabled, notification_sound_uri, notification_vibration,
	include_email_address, sms_service_center`

func scanConversation(s rowScanner) (*Conversation, error) {
	var c Conversation
	err := s.Scan(&c.ID, &c.ThreadID, &c.Name, &c.LatestMessageID,
		&c.SnippetText, &c.SubjectText, &c.PreviewURI, &c.PreviewContentType,
		&c.ShowDraft, &c.DraftSnippetText, &c.DraftSubjectText, &c.DraftPreviewURI, &c.DraftPreviewContentType,
		&c.Archived, &c.SortTimestamp, &c.LastReadTimestamp, &c.Icon,
		&c.ParticipantContactID, &c.ParticipantLookupKey, &c.OtherParticipantNormalizedDestination,
		&c.CurrentSelfID, &c.ParticipantCount,
		&c.NotificationEnabled, &c.NotificationSoundURI, &c.NotificationVibration,
		&c.IncludeEmailAddress, &c.SMSServiceCenter)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func getConversationWhere(ctx context.Context, q Querier, where string, args ...any) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, args...)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation returns a conversation by id, or nil if it does not exist.
func GetConversation(ctx context.Context, q Querier, id int64) (*Conversation, error) {
	return getConversationWhere(ctx, q, `_id = ?`, id)
}

// FindConversationByThread returns the conversation mapped to a provider thread.
func FindConversationByThread(ctx context.Context, q Querier, threadID int64) (*Conversation, error) {
	return getConversationWhere(ctx, q, `sms_thread_id = ? ORDER BY _id LIMIT 1`, threadID)
}

// InsertConversation stores a new conversation row and returns its id.
func InsertConversation(ctx context.Context, q Querier, c *Conversation) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO conversations (sms_thread_id, name, sort_timestamp, archive_status, icon,
			participant_contact_id, participant_lookup_key, other_participant_normalized_destination,
			current_self_id, participant_count,
			notification_enabled, notification_sound_uri, notification_vibration, include_email_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ThreadID, c.Name, c.SortTimestamp, c.Archived, c.Icon,
		c.ParticipantContactID, c.ParticipantLookupKey, c.OtherParticipantNormalizedDestination,
		c.CurrentSelfID, c.ParticipantCount,
		c.NotificationEnabled, c.NotificationSoundURI, c.NotificationVibration, c.IncludeEmailAddress)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return res.LastInsertId()
}

// Identity holds the participant-derived columns recomputed after
// participants are resolved.
type Identity struct {
	Name                                  string
	Icon                                  string
	ParticipantContactID                  int64
	ParticipantLookupKey                  string
	OtherParticipantNormalizedDestination string
	ParticipantCount                      int
}

// SetConversationIdentity rewrites the name, icon and participant summary.
func SetConversationIdentity(ctx context.Context, q Querier, id int64, ident Identity) error {
	return expectOne(q.ExecContext(ctx, `
		UPDATE conversations SET name = ?, icon = ?, participant_contact_id = ?,
			participant_lookup_key = ?, other_participant_normalized_destination = ?, participant_count = ?
		WHERE _id = ?`,
		ident.Name, ident.Icon, ident.ParticipantContactID,
		ident.ParticipantLookupKey, ident.OtherParticipantNormalizedDestination, ident.ParticipantCount, id))
}

// Latest describes the conversation summary derived from its newest message.
type Latest struct {
	MessageID          int64
	SortTimestamp      int64
	SnippetText        string
	SubjectText        string
	PreviewURI         string
	PreviewContentType string
	Unarchive          bool
}

// SetConversationLatest stores the latest-message summary and hides the draft preview.
func SetConversationLatest(ctx context.Context, q Querier, id int64, l Latest) error {
	query := `
		UPDATE conversations SET latest_message_id = ?, sort_timestamp = ?,
			snippet_text = ?, subject_text = ?, preview_uri = ?, preview_content_type = ?, show_draft = 0`
	args := []any{l.MessageID, l.SortTimestamp, l.SnippetText, l.SubjectText, l.PreviewURI, l.PreviewContentType}
	if l.Unarchive {
		query += `, archive_status = 0`
	}
	query += ` WHERE _id = ?`
	args = append(args, id)
	return expectOne(q.ExecContext(ctx, query, args...))
}

// DraftSummary describes the draft preview columns of a conversation.
type DraftSummary struct {
	Show               bool
	SnippetText        string
	SubjectText        string
	PreviewURI         string
	PreviewContentType string
	SortTimestamp      int64
}

// SetConversationDraft stores the draft preview and sort timestamp.
func SetConversationDraft(ctx context.Context, q Querier, id int64, d DraftSummary) error {
	return expectOne(q.ExecContext(ctx, `
		UPDATE conversations SET show_draft = ?, draft_snippet_text = ?, draft_subject_text = ?,
			draft_preview_uri = ?, draft_preview_content_type = ?, sort_timestamp = ?
		WHERE _id = ?`,
		d.Show, d.SnippetText, d.SubjectText, d.PreviewURI, d.PreviewContentType, d.SortTimestamp, id))
}

// SetConversationSelf changes the subscription a conversation sends from.
func SetConversationSelf(ctx context.Context, q Querier, id, selfID int64) error {
	return expectOne(q.ExecContext(ctx, `UPDATE conversations SET current_self_id = ? WHERE _id = ?`, selfID, id))
}

// SetConversationArchived changes the archive status.
func SetConversationArchived(ctx context.Context, q Querier, id int64, archived bool) error {
	return expectOne(q.ExecContext(ctx, `UPDATE conversations SET archive_status = ? WHERE _id = ?`, archived, id))
}

// NotificationSettings are the per-conversation notification preferences.
type NotificationSettings struct {
	Enabled   bool
	SoundURI  string
	Vibration bool
}

// SetConversationNotifications stores notification preferences.
func SetConversationNotifications(ctx context.Context, q Querier, id int64, s NotificationSettings) error {
	return expectOne(q.ExecContext(ctx, `
		UPDATE conversations SET notification_enabled = ?, notification_sound_uri = ?, notification_vibration = ?
		WHERE _id = ?`, s.Enabled, s.SoundURI, s.Vibration, id))
}

// DeleteConversation removes a conversation; messages, parts and
// participant links cascade.
func DeleteConversation(ctx context.Context, q Querier, id int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE _id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete conversation %d: %w", id, err)
	}
	return res.RowsAffected()
}

// ListConversations returns visible conversations, newest first.
func ListConversations(ctx context.Context, q Querier, archived bool, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Conversation
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		c, err := scanConversation(rows)
		if err != nil {
			return err
		}
		out = append(out, *c)
		return nil
	}, `SELECT `+conversationColumns+`
		FROM conversations
		WHERE sort_timestamp > 0 AND archive_status = ?
		ORDER BY sort_timestamp DESC
		LIMIT ?`, archived, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// Customization is the user-set state of a conversation that must survive
// a full resync, keyed by provider thread id.
type Customization struct {
	ThreadID      int64
	Archived      bool
	Notifications NotificationSettings
}

// ListCustomizations returns the user-visible settings of every
// conversation that differs from defaults.
func ListCustomizations(ctx context.Context, q Querier) ([]Customization, error) {
	var out []Customization
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		var c Customization
		if err := rows.Scan(&c.ThreadID, &c.Archived,
			&c.Notifications.Enabled, &c.Notifications.SoundURI, &c.Notifications.Vibration); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}, `
		SELECT sms_thread_id, archive_status, notification_enabled, notification_sound_uri, notification_vibration
		FROM conversations
		WHERE archive_status = 1 OR notification_enabled = 0 OR notification_sound_uri != '' OR notification_vibration = 0`)
	if err != nil {
		return nil, fmt.Errorf("list customizations: %w", err)
	}
	return out, nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: updated %d rows, want 1", ErrInvariant, n)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const participantColumns = `participants._id, participants.sub_id, participants.sim_slot_id,
	participants.normalized_destination, participants.send_destination, participants.display_destination,
	participants.full_name, participants.first_name, participants.profile_photo_uri,
	participants.contact_id, participants.lookup_key, participants.blocked,
	participants.subscription_name, participants.subscription_color, participants.contact_destination`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(s rowScanner) (*Participant, error) {
	var p Participant
	err := s.Scan(&p.ID, &p.SubID, &p.SimSlotID,
		&p.NormalizedDestination, &p.SendDestination, &p.DisplayDestination,
		&p.FullName, &p.FirstName, &p.ProfilePhotoURI,
		&p.ContactID, &p.LookupKey, &p.Blocked,
		&p.SubscriptionName, &p.SubscriptionColor, &p.ContactDestination)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func getParticipantWhere(ctx context.Context, q Querier, where string, args ...any) (*Participant, error) {
	row := q.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE `+where, args...)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetParticipant returns a participant by id, or nil if it does not exist.
func GetParticipant(ctx context.Context, q Querier, id int64) (*Participant, error) {
	return getParticipantWhere(ctx, q, `_id = ?`, id)
}

// FindSelfParticipant returns the self participant for a subscription.
func FindSelfParticipant(ctx context.Context, q Querier, subID int) (*Participant, error) {
	return getParticipantWhere(ctx, q, `sub_id = ?`, subID)
}

// FindParticipantByDestination returns the non-self participant with the
// given normalized destination.
func FindParticipantByDestination(ctx context.Context, q Querier, normalized string) (*Participant, error) {
	return getParticipantWhere(ctx, q, `normalized_destination = ? AND sub_id = ?`, normalized, OtherThanSelfSubID)
}

// InsertParticipant stores p and returns its new id. A concurrent writer
// holding the same (normalized_destination, sub_id) pair surfaces as a
// unique violation; see IsUniqueViolation.
func InsertParticipant(ctx context.Context, q Querier, p *Participant) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO participants (sub_id, sim_slot_id, normalized_destination, send_destination,
			display_destination, full_name, first_name, profile_photo_uri, contact_id, lookup_key,
			blocked, subscription_name, subscription_color, contact_destination)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SubID, p.SimSlotID, p.NormalizedDestination, p.SendDestination,
		p.DisplayDestination, p.FullName, p.FirstName, p.ProfilePhotoURI, p.ContactID, p.LookupKey,
		p.Blocked, p.SubscriptionName, p.SubscriptionColor, p.ContactDestination)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateParticipantContact rewrites the contact-derived columns of a participant.
func UpdateParticipantContact(ctx context.Context, q Querier, p *Participant) error {
	_, err := q.ExecContext(ctx, `
		UPDATE participants SET full_name = ?, first_name = ?, profile_photo_uri = ?,
			contact_id = ?, lookup_key = ?, contact_destination = ?
		WHERE _id = ?`,
		p.FullName, p.FirstName, p.ProfilePhotoURI, p.ContactID, p.LookupKey, p.ContactDestination, p.ID)
	return err
}

// SetDestinationBlocked flips the blocked flag for every participant with
// the destination and returns the affected row count.
func SetDestinationBlocked(ctx context.Context, q Querier, normalized string, blocked bool) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE participants SET blocked = ? WHERE normalized_destination = ? AND sub_id = ?`,
		blocked, normalized, OtherThanSelfSubID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LinkParticipant adds a participant to a conversation. Re-linking is a no-op.
func LinkParticipant(ctx context.Context, q Querier, conversationID, participantID int64) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, participant_id)
		VALUES (?, ?)
		ON CONFLICT(conversation_id, participant_id) DO NOTHING`,
		conversationID, participantID); err != nil {
		return fmt.Errorf("link participant %d to conversation %d: %w", participantID, conversationID, err)
	}
	return nil
}

// ConversationParticipants returns the non-self participants of a
// conversation ordered by link order.
func ConversationParticipants(ctx context.Context, q Querier, conversationID int64) ([]Participant, error) {
	var out []Participant
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		p, err := scanParticipant(rows)
		if err != nil {
			return err
		}
		out = append(out, *p)
		return nil
	}, `
		SELECT `+participantColumns+`
		FROM conversation_participants cp
		JOIN participants ON participants._id = cp.participant_id
		WHERE cp.conversation_id = ?
		ORDER BY cp._id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation participants: %w", err)
	}
	return out, nil
}

// ConversationIDsWithDestination lists conversations that include a participant destination.
func ConversationIDsWithDestination(ctx context.Context, q Querier, normalized string) ([]int64, error) {
	var ids []int64
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}, `
		SELECT DISTINCT cp.conversation_id
		FROM conversation_participants cp
		JOIN participants p ON p._id = cp.participant_id
		WHERE p.normalized_destination = ? AND p.sub_id = ?`, normalized, OtherThanSelfSubID)
	return ids, err
}

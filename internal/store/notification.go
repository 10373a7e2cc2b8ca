package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UnseenIncoming returns received messages the user has not seen yet,
// newest first. Only fully received messages and messages waiting for a
// manual download are included.
func UnseenIncoming(ctx context.Context, q Querier) ([]Message, error) {
	return messagesWithParts(ctx, q, `
		SELECT `+messageColumns+` FROM messages
		WHERE message_status IN (?, ?) AND seen = 0
		ORDER BY received_timestamp DESC, _id DESC`,
		StatusIncomingComplete, StatusIncomingYetToManualDownload)
}

// UnseenFailed returns failed sends and failed downloads the user has not
// acknowledged, newest first.
func UnseenFailed(ctx context.Context, q Querier) ([]Message, error) {
	return messagesWithParts(ctx, q, `
		SELECT `+messageColumns+` FROM messages
		WHERE message_status IN (?, ?, ?) AND seen = 0
		ORDER BY received_timestamp DESC, _id DESC`,
		StatusOutgoingFailed, StatusOutgoingFailedEmergency, StatusIncomingDownloadFailed)
}

func messagesWithParts(ctx context.Context, q Querier, query string, args ...any) ([]Message, error) {
	var msgs []Message
	err := queryEach(ctx, q, func(rows *sql.Rows) error {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		msgs = append(msgs, *m)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	for i := range msgs {
		parts, err := PartsForMessage(ctx, q, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Parts = parts
	}
	return msgs, nil
}

package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// SQLiteChatStore implements MessageStore, GroupStore and StatusStore.
type SQLiteChatStore struct {
	db *sql.DB
}

func NewSQLiteChatStore(db *sql.DB) *SQLiteChatStore {
	return &SQLiteChatStore{
		db: db,
	}
}

func (s *SQLiteChatStore) CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidMessage
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = time.Now().UTC()
	}

	var fileURL, fileName, fileSize sql.NullString
	var duration sql.NullInt64
	if f := input.File; f != nil {
		fileURL = sql.NullString{String: f.URL, Valid: f.URL != ""}
		fileName = sql.NullString{String: f.Name, Valid: f.Name != ""}
		fileSize = sql.NullString{String: f.Size, Valid: f.Size != ""}
		duration = sql.NullInt64{Int64: int64(f.Duration), Valid: f.Duration > 0}
	}

	query := `INSERT INTO messages (content, message_type, sender_id, chat_type, chat_id,
		file_url, file_name, file_size, voice_duration, is_announcement, created_at)
		VALUES (@content, @message_type, @sender_id, @chat_type, @chat_id,
		@file_url, @file_name, @file_size, @voice_duration, @is_announcement, @created_at)`
	res, err := s.db.ExecContext(ctx, query,
		sql.Named("content", input.Content),
		sql.Named("message_type", input.Type),
		sql.Named("sender_id", input.SenderID),
		sql.Named("chat_type", input.ChatType),
		sql.Named("chat_id", input.ChatID),
		sql.Named("file_url", fileURL),
		sql.Named("file_name", fileName),
		sql.Named("file_size", fileSize),
		sql.Named("voice_duration", duration),
		sql.Named("is_announcement", input.IsAnnouncement),
		sql.Named("created_at", input.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("LastInsertId: %w", err)
	}

	return &Message{
		ID:             id,
		Content:        input.Content,
		Type:           input.Type,
		SenderID:       input.SenderID,
		ChatType:       input.ChatType,
		ChatID:         input.ChatID,
		File:           input.File,
		IsAnnouncement: input.IsAnnouncement,
		CreatedAt:      input.CreatedAt,
	}, nil
}

const messageColumns = `m.id, m.content, m.message_type, m.sender_id, m.chat_type, m.chat_id,
	m.file_url, m.file_name, m.file_size, m.voice_duration, m.is_announcement, m.created_at`

func scanMessage(row interface{ Scan(...any) error }, m *Message, extra ...any) error {
	var fileURL, fileName, fileSize sql.NullString
	var duration sql.NullInt64
	dest := []any{
		&m.ID, &m.Content, &m.Type, &m.SenderID, &m.ChatType, &m.ChatID,
		&fileURL, &fileName, &fileSize, &duration, &m.IsAnnouncement, &m.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if fileURL.Valid || fileName.Valid || fileSize.Valid || duration.Valid {
		m.File = &FileData{
			URL:      fileURL.String,
			Name:     fileName.String,
			Size:     fileSize.String,
			Duration: int(duration.Int64),
		}
	}
	return nil
}

func (s *SQLiteChatStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages AS m WHERE m.id = @id", sql.Named("id", id))

	var m Message
	if err := scanMessage(row, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

func (s *SQLiteChatStore) GetMessages(ctx context.Context, viewerID int64, chatType ChatType, chatID int64, limit int) ([]MessageWithStatus, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var where string
	switch chatType {
	case UserChat:
		where = `m.chat_type = 'user' AND
			((m.sender_id = @viewer AND m.chat_id = @chat_id) OR (m.sender_id = @chat_id AND m.chat_id = @viewer))`
	case GroupChat:
		where = `m.chat_type = 'group' AND m.chat_id = @chat_id`
	default:
		return nil, ErrInvalidRoom
	}

	query := `
	SELECT ` + messageColumns + `, u.name, COALESCE(ms.status, 'sent')
	FROM messages AS m
	INNER JOIN users AS u ON u.id = m.sender_id
	LEFT JOIN message_status AS ms ON ms.message_id = m.id AND ms.user_id = @viewer
	WHERE ` + where + `
	ORDER BY m.created_at DESC, m.id DESC
	LIMIT @limit`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("viewer", viewerID), sql.Named("chat_id", chatID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := make([]MessageWithStatus, 0)
	for rows.Next() {
		var m MessageWithStatus
		if err := scanMessage(rows, &m.Message, &m.SenderName, &m.Status); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	// newest were selected first, return them oldest first
	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteChatStore) CreateCommunity(ctx context.Context, name string, owner int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO communities (name, created_by) VALUES (@name, @created_by)",
		sql.Named("name", name), sql.Named("created_by", owner))
	if err != nil {
		return 0, fmt.Errorf("ExecContext(insert community): %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("LastInsertId: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO community_members (community_id, user_id, role) VALUES (@community_id, @user_id, @role)",
		sql.Named("community_id", id), sql.Named("user_id", owner), sql.Named("role", Owner))
	if err != nil {
		return 0, fmt.Errorf("ExecContext(insert community_members): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteChatStore) JoinCommunity(ctx context.Context, communityID, userID int64) error {
	var count int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM communities WHERE id = @id", sql.Named("id", communityID))
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("scanning count: %w", err)
	}
	if count == 0 {
		return ErrInvalidGroup
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO community_members (community_id, user_id, role) VALUES (@community_id, @user_id, @role)
		ON CONFLICT DO NOTHING`,
		sql.Named("community_id", communityID), sql.Named("user_id", userID), sql.Named("role", Member))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) CreateGroup(ctx context.Context, name string, communityID int64, owner int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	community := sql.NullInt64{Int64: communityID, Valid: communityID != 0}
	if community.Valid {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM communities WHERE id = @id", sql.Named("id", communityID))
		if err := row.Scan(&count); err != nil {
			return 0, fmt.Errorf("scanning count: %w", err)
		}
		if count == 0 {
			return 0, ErrInvalidGroup
		}
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO chat_groups (name, community_id, created_by) VALUES (@name, @community_id, @created_by)",
		sql.Named("name", name), sql.Named("community_id", community), sql.Named("created_by", owner))
	if err != nil {
		return 0, fmt.Errorf("ExecContext(insert group): %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("LastInsertId: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO group_members (group_id, user_id, role) VALUES (@group_id, @user_id, @role)",
		sql.Named("group_id", id), sql.Named("user_id", owner), sql.Named("role", Owner))
	if err != nil {
		return 0, fmt.Errorf("ExecContext(insert group_members): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteChatStore) AddGroupMember(ctx context.Context, groupID, userID int64, role MemberRole) error {
	var count int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_groups WHERE id = @id", sql.Named("id", groupID))
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("scanning count: %w", err)
	}
	if count == 0 {
		return ErrInvalidGroup
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role) VALUES (@group_id, @user_id, @role)
		ON CONFLICT DO NOTHING`,
		sql.Named("group_id", groupID), sql.Named("user_id", userID), sql.Named("role", role))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM group_members WHERE group_id = @group_id AND user_id = @user_id",
		sql.Named("group_id", groupID), sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

func (s *SQLiteChatStore) JoinGroup(ctx context.Context, groupID, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var community sql.NullInt64
	row := tx.QueryRowContext(ctx, "SELECT community_id FROM chat_groups WHERE id = @id", sql.Named("id", groupID))
	if err := row.Scan(&community); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidGroup
		}
		return fmt.Errorf("scanning community_id: %w", err)
	}
	// groups outside a community are joined by invitation only
	if !community.Valid {
		return ErrNotMember
	}

	var count int
	row = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM community_members WHERE community_id = @community_id AND user_id = @user_id",
		sql.Named("community_id", community.Int64), sql.Named("user_id", userID))
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("scanning count: %w", err)
	}
	if count == 0 {
		return ErrNotMember
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role) VALUES (@group_id, @user_id, @role)
		ON CONFLICT DO NOTHING`,
		sql.Named("group_id", groupID), sql.Named("user_id", userID), sql.Named("role", Member))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) GetChats(ctx context.Context, userID int64) ([]ChatSummary, error) {
	direct := `
	SELECT u.id, u.name, m.content, m.created_at
	FROM messages AS m
	INNER JOIN users AS u
		ON u.id = CASE WHEN m.sender_id = @user_id THEN m.chat_id ELSE m.sender_id END
	WHERE m.id IN (
		SELECT MAX(id) FROM messages
		WHERE chat_type = 'user' AND (sender_id = @user_id OR chat_id = @user_id)
		GROUP BY CASE WHEN sender_id = @user_id THEN chat_id ELSE sender_id END
	)`
	chats, err := s.queryChats(ctx, UserChat, direct, userID)
	if err != nil {
		return nil, fmt.Errorf("direct chats: %w", err)
	}

	groups := `
	SELECT g.id, g.name, m.content, m.created_at
	FROM group_members AS gm
	INNER JOIN chat_groups AS g ON g.id = gm.group_id
	LEFT JOIN messages AS m ON m.id = (
		SELECT MAX(id) FROM messages WHERE chat_type = 'group' AND chat_id = g.id
	)
	WHERE gm.user_id = @user_id`
	groupChats, err := s.queryChats(ctx, GroupChat, groups, userID)
	if err != nil {
		return nil, fmt.Errorf("group chats: %w", err)
	}
	chats = append(chats, groupChats...)

	// chats without messages go last
	slices.SortStableFunc(chats, func(a, b ChatSummary) int {
		switch {
		case a.LastMessageAt == nil && b.LastMessageAt == nil:
			return 0
		case a.LastMessageAt == nil:
			return 1
		case b.LastMessageAt == nil:
			return -1
		}
		return b.LastMessageAt.Compare(*a.LastMessageAt)
	})
	return chats, nil
}

func (s *SQLiteChatStore) queryChats(ctx context.Context, chatType ChatType, query string, userID int64) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, sql.Named("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	chats := make([]ChatSummary, 0)
	for rows.Next() {
		c := ChatSummary{ChatType: chatType}
		var content sql.NullString
		var at sql.NullTime
		if err := rows.Scan(&c.ChatID, &c.Name, &content, &at); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		c.LastMessage = content.String
		if at.Valid {
			c.LastMessageAt = &at.Time
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return chats, nil
}

func (s *SQLiteChatStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return ids, nil
}

func (s *SQLiteChatStore) GetGroupIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		"SELECT group_id FROM group_members WHERE user_id = @user_id ORDER BY group_id",
		sql.Named("user_id", userID))
}

func (s *SQLiteChatStore) GetGroupIDsInCommunity(ctx context.Context, communityID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		"SELECT id FROM chat_groups WHERE community_id = @community_id ORDER BY id",
		sql.Named("community_id", communityID))
}

func (s *SQLiteChatStore) IsGroupMember(ctx context.Context, groupID, userID int64) (bool, MemberRole, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT role FROM group_members WHERE group_id = @group_id AND user_id = @user_id",
		sql.Named("group_id", groupID), sql.Named("user_id", userID))

	var role MemberRole
	if err := row.Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("scanning role: %w", err)
	}
	return true, role, nil
}

func (s *SQLiteChatStore) GetContacts(ctx context.Context, userID int64) ([]int64, error) {
	query := `
	SELECT gm.user_id FROM group_members AS gm
	INNER JOIN group_members AS mine ON mine.group_id = gm.group_id
	WHERE mine.user_id = @user_id AND gm.user_id != @user_id
	UNION
	SELECT m.chat_id FROM messages AS m
	WHERE m.chat_type = 'user' AND m.sender_id = @user_id AND m.chat_id != @user_id
	UNION
	SELECT m.sender_id FROM messages AS m
	WHERE m.chat_type = 'user' AND m.chat_id = @user_id AND m.sender_id != @user_id`
	return s.queryIDs(ctx, query, sql.Named("user_id", userID))
}

func (s *SQLiteChatStore) UpsertDeliveryStatus(ctx context.Context, messageID, userID int64, status DeliveryStatus, at time.Time) (bool, error) {
	// a row is only replaced by a status of higher rank
	query := `
	INSERT INTO message_status (message_id, user_id, status, updated_at)
	VALUES (@message_id, @user_id, @status, @updated_at)
	ON CONFLICT (message_id, user_id) DO UPDATE
	SET status = excluded.status, updated_at = excluded.updated_at
	WHERE (CASE excluded.status WHEN 'seen' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END) >
	      (CASE message_status.status WHEN 'seen' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END)`

	res, err := s.db.ExecContext(ctx, query,
		sql.Named("message_id", messageID), sql.Named("user_id", userID),
		sql.Named("status", status), sql.Named("updated_at", at))
	if err != nil {
		return false, fmt.Errorf("ExecContext(upsert message_status): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RowsAffected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteChatStore) GetDeliveryStatus(ctx context.Context, messageID, userID int64) (DeliveryStatus, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT status FROM message_status WHERE message_id = @message_id AND user_id = @user_id",
		sql.Named("message_id", messageID), sql.Named("user_id", userID))

	var status DeliveryStatus
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("scanning status: %w", err)
	}
	return status, true, nil
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const messageColumns = "m.id, m.room_id, m.sender_id, m.content, m.type, m.iv, m.encrypted, " +
	"m.file_id, m.file_name, m.file_mime, m.file_size, m.file_iv, m.created_at"

func (r *SQLRepository) SetUserPresence(ctx context.Context, userId int, p UserPresence) error {
	res, err := r.exec(ctx,
		"UPDATE users SET is_online = $1, last_seen = $2 WHERE id = $3",
		p.Online, p.LastSeen.UTC(), userId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) GetUser(ctx context.Context, userId int) (User, error) {
	row := r.queryRow(ctx,
		"SELECT id, username FROM users WHERE id = $1",
		userId,
	)

	var u User
	if err := row.Scan(&u.Id, &u.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}

	return u, nil
}

func (r *SQLRepository) GetRoom(ctx context.Context, roomId int) (Room, error) {
	row := r.queryRow(ctx,
		"SELECT id, name, description, owner_id, created_at FROM rooms WHERE id = $1",
		roomId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.Description,
		&room.OwnerId,
		&room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}

	return room, nil
}

func (r *SQLRepository) IsRoomMember(ctx context.Context, roomId, userId int) (bool, error) {
	row := r.queryRow(ctx,
		"SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
	)

	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (r *SQLRepository) ListRoomMembers(ctx context.Context, roomId int) ([]User, error) {
	rows, err := r.query(ctx,
		"SELECT u.id, u.username FROM room_members AS rm "+
			"JOIN users AS u ON rm.user_id = u.id WHERE rm.room_id = $1 ORDER BY u.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		members = append(members, u)
	}

	return members, rows.Err()
}

func (r *SQLRepository) ResolveFile(ctx context.Context, roomId int, lookup FileLookup) (*File, error) {
	var row *sql.Row
	const cols = "SELECT id, room_id, filename, original_name, mime_type, size, iv, checksum FROM files "

	switch {
	case lookup.Id > 0:
		row = r.queryRow(ctx, cols+"WHERE id = $1 AND room_id = $2", lookup.Id, roomId)
	case lookup.Filename != "":
		row = r.queryRow(ctx, cols+"WHERE filename = $1 AND room_id = $2", lookup.Filename, roomId)
	default:
		return nil, nil
	}

	var f File
	err := row.Scan(
		&f.Id,
		&f.RoomId,
		&f.Filename,
		&f.OriginalName,
		&f.MimeType,
		&f.Size,
		&f.Iv,
		&f.Checksum,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &f, nil
}

func (r *SQLRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	row := r.queryRow(ctx,
		"SELECT "+messageColumns+" FROM messages AS m WHERE m.id = $1",
		messageId,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}

	return msg, nil
}

func scanMessage(row *sql.Row) (Message, error) {
	var (
		msg      Message
		fileId   sql.NullInt64
		fileName sql.NullString
		fileMime sql.NullString
		fileSize sql.NullInt64
		fileIv   sql.NullString
	)

	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.Content,
		&msg.Type,
		&msg.Iv,
		&msg.Encrypted,
		&fileId,
		&fileName,
		&fileMime,
		&fileSize,
		&fileIv,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if fileId.Valid {
		id := int(fileId.Int64)
		msg.FileId = &id
	}
	msg.FileName = fileName.String
	msg.FileMime = fileMime.String
	msg.FileSize = fileSize.Int64
	msg.FileIv = fileIv.String

	return msg, nil
}

func (r *SQLRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	if params.CreatedAt.IsZero() {
		params.CreatedAt = time.Now().UTC()
	}

	row := r.queryRow(ctx,
		"INSERT INTO messages (room_id, sender_id, content, type, iv, encrypted, "+
			"file_id, file_name, file_mime, file_size, file_iv, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id",
		params.RoomId,
		params.SenderId,
		params.Content,
		params.Type,
		params.Iv,
		params.Encrypted,
		nullInt(params.FileId),
		nullString(params.FileName),
		nullString(params.FileMime),
		nullInt64(params.FileSize),
		nullString(params.FileIv),
		params.CreatedAt,
	)

	var id int
	if err := row.Scan(&id); err != nil {
		return Message{}, err
	}

	return Message{
		Id:        id,
		RoomId:    params.RoomId,
		SenderId:  params.SenderId,
		Content:   params.Content,
		Type:      params.Type,
		Iv:        params.Iv,
		Encrypted: params.Encrypted,
		FileId:    params.FileId,
		FileName:  params.FileName,
		FileMime:  params.FileMime,
		FileSize:  params.FileSize,
		FileIv:    params.FileIv,
		CreatedAt: params.CreatedAt,
	}, nil
}

// deliveryBatchSize rows of 6 parameters each stay well below the
// placeholder limits of postgres (65535) and sqlite (32766).
var deliveryBatchSize = 1000

// CreateDeliveryRecords inserts the records in batches. All batches commit
// or none do: outside a transaction it opens one.
func (r *SQLRepository) CreateDeliveryRecords(ctx context.Context, records []DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	if !r.inTx && len(records) > deliveryBatchSize {
		return r.WithTx(ctx, func(tx Repository) error {
			return tx.CreateDeliveryRecords(ctx, records)
		})
	}

	for batch := range slices.Chunk(records, deliveryBatchSize) {
		if err := r.insertDeliveryRecords(ctx, batch); err != nil {
			return err
		}
	}

	return nil
}

func (r *SQLRepository) insertDeliveryRecords(ctx context.Context, records []DeliveryRecord) error {
	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*6)
	)

	sb.WriteString("INSERT INTO message_recipients (message_id, user_id, delivered, delivered_at, read, read_at) VALUES ")
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args,
			rec.MessageId,
			rec.UserId,
			rec.Delivered,
			nullTime(rec.DeliveredAt),
			rec.Read,
			nullTime(rec.ReadAt),
		)
	}

	if _, err := r.exec(ctx, sb.String(), args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return err
	}

	return nil
}

func (r *SQLRepository) UpdateDeliveryRecord(ctx context.Context, messageId, userId int, upd DeliveryUpdate) (bool, error) {
	if upd.At.IsZero() {
		upd.At = time.Now().UTC()
	}

	var (
		res sql.Result
		err error
	)

	switch {
	case upd.Read:
		res, err = r.exec(ctx,
			"UPDATE message_recipients SET "+
				"delivered_at = CASE WHEN delivered THEN delivered_at ELSE $1 END, "+
				"delivered = TRUE, read = TRUE, read_at = $2 "+
				"WHERE message_id = $3 AND user_id = $4 AND read = FALSE",
			upd.At,
			upd.At,
			messageId,
			userId,
		)
	case upd.Delivered:
		res, err = r.exec(ctx,
			"UPDATE message_recipients SET delivered = TRUE, delivered_at = $1 "+
				"WHERE message_id = $2 AND user_id = $3 AND delivered = FALSE",
			upd.At,
			messageId,
			userId,
		)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (r *SQLRepository) GetDeliveryRecords(ctx context.Context, messageId int) ([]DeliveryRecord, error) {
	rows, err := r.query(ctx,
		"SELECT message_id, user_id, delivered, delivered_at, read, read_at "+
			"FROM message_recipients WHERE message_id = $1 ORDER BY user_id",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]DeliveryRecord, 0)
	for rows.Next() {
		var (
			rec         DeliveryRecord
			deliveredAt sql.NullTime
			readAt      sql.NullTime
		)
		if err := rows.Scan(&rec.MessageId, &rec.UserId, &rec.Delivered, &deliveredAt, &rec.Read, &readAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if deliveredAt.Valid {
			rec.DeliveredAt = &deliveredAt.Time
		}
		if readAt.Valid {
			rec.ReadAt = &readAt.Time
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

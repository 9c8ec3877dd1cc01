package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	sqlite "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5000

	sqliteConstraintCode = 19

	maxRoomCodeLen = 30
	maxNicknameLen = 20
)

// Validation and conflict errors. Handlers map these onto HTTP statuses, so
// every rejection a caller can provoke has its own sentinel.
var (
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrEmptyRoomCode   = errors.New("room code is empty")
	ErrRoomCodeTooLong = errors.New("room code too long")
	ErrInvalidNickname = errors.New("nickname must be 1-20 characters")
	ErrNonceConflict   = errors.New("nonce already used with different payload")
)

// Store wraps the SQLite handle and owns all room/message/reaction state.
// The handle is pinned to a single connection, so every call observes and
// mutates the database atomically with respect to every other call.
type Store struct {
	db    *sql.DB
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	// Path is the SQLite database location. Defaults to "wispchat.db".
	Path string
	// MessageTTL is the retention window after which messages disappear
	// from reads and become eligible for pruning. Defaults to 24h.
	MessageTTL time.Duration
	// EmptyRoomGrace is how long an empty room survives without activity
	// before the reaper removes it. Defaults to MessageTTL.
	EmptyRoomGrace time.Duration
}

// MediaRefs carries the opaque blob references attached to a message. The
// store never interprets them; they come from the blob capability.
type MediaRefs struct {
	Image string
	Video string
	Audio string
}

// Reaction is a single (user, emoji) pair on a message. The primary key on
// the reactions table guarantees at most one row per pair.
type Reaction struct {
	UserID string
	Emoji  string
}

// Message is a fully loaded message row including its reaction set.
type Message struct {
	ID        int64
	Room      string
	Content   string
	Nickname  string
	OwnerID   string
	CreatedAt time.Time
	IsEdited  bool
	ReplyToID *int64
	Media     MediaRefs
	Nonce     string
	Reactions []Reaction
}

// SendParams is the input to SendMessage.
type SendParams struct {
	Room     string
	Content  string
	Nickname string
	OwnerID  string
	ReplyTo  *int64
	Media    MediaRefs
	Nonce    string
}

// SendResult reports what SendMessage did: the row id, the creation time the
// store recorded (the original one on a dedup hit), and whether the nonce
// table answered instead of a fresh append.
type SendResult struct {
	ID        int64
	CreatedAt time.Time
	Deduped   bool
}

// PruneStats reports what a prune pass removed. RoomCodes lists the deleted
// rooms so callers can drop any per-room state of their own.
type PruneStats struct {
	Messages  int64
	Rooms     int64
	RoomCodes []string
}

// NewStore opens the SQLite database at the configured path. Call Close when
// done, and Migrate before first use.
func NewStore(opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		path = "wispchat.db"
	}
	ttl := opts.MessageTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	grace := opts.EmptyRoomGrace
	if grace <= 0 {
		grace = ttl
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	// one connection only: SQLite serializes writers anyway, and a single
	// handle makes every read a consistent snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, ttl: ttl, grace: grace, now: time.Now}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements. Timestamps are stored as unix
// milliseconds so retention cutoffs are plain integer comparisons.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			code TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_code TEXT NOT NULL,
			content TEXT NOT NULL,
			nickname TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			is_edited INTEGER NOT NULL DEFAULT 0,
			reply_to_id INTEGER,
			image_ref TEXT NOT NULL DEFAULT '',
			video_ref TEXT NOT NULL DEFAULT '',
			audio_ref TEXT NOT NULL DEFAULT '',
			nonce TEXT,
			FOREIGN KEY(room_code) REFERENCES rooms(code) ON DELETE CASCADE,
			UNIQUE(room_code, nonce)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_code, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);`,
		`CREATE TABLE IF NOT EXISTS reactions (
			message_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			emoji TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id, emoji),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MessageTTL returns the configured retention window.
func (s *Store) MessageTTL() time.Duration {
	return s.ttl
}

// cutoffMillis is the oldest creation time still considered live. A message
// created exactly TTL ago is still live; only strictly older ones are
// invisible to reads, even before physical pruning.
func (s *Store) cutoffMillis() int64 {
	return s.now().Add(-s.ttl).UnixMilli()
}

// CreateRoom registers a new room code. The code is trimmed and must be 1-30
// characters. Concurrent creation of the same code resolves at the primary
// key: the first writer wins and later callers get ErrRoomExists.
func (s *Store) CreateRoom(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrEmptyRoomCode
	}
	if utf8.RuneCountInString(code) > maxRoomCodeLen {
		return "", ErrRoomCodeTooLong
	}
	nowMs := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(code, created_at, last_active) VALUES(?, ?, ?)`,
		code, nowMs, nowMs)
	if err != nil {
		if isConstraintError(err) {
			return "", ErrRoomExists
		}
		return "", err
	}
	return code, nil
}

// RoomExists reports whether a room code is registered. Pure query.
func (s *Store) RoomExists(ctx context.Context, code string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE code = ?`, code)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SendMessage appends a message to a room. When the params carry a nonce
// already recorded for the room with the same owner and content, the original
// row is returned with Deduped=true and nothing is written; that is what
// makes client retries safe. A nonce replay with a different owner or content
// is rejected with ErrNonceConflict.
func (s *Store) SendMessage(ctx context.Context, p SendParams) (SendResult, error) {
	var res SendResult
	nickname := strings.TrimSpace(p.Nickname)
	if nickname == "" || utf8.RuneCountInString(nickname) > maxNicknameLen {
		return res, ErrInvalidNickname
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE code = ?`, p.Room).Scan(&exists); err != nil {
		return res, err
	}
	if exists == 0 {
		err = ErrRoomNotFound
		return res, err
	}

	if p.Nonce != "" {
		var prevID, prevCreated int64
		var prevOwner, prevContent string
		scanErr := tx.QueryRowContext(ctx,
			`SELECT id, owner_id, content, created_at FROM messages WHERE room_code = ? AND nonce = ?`,
			p.Room, p.Nonce).Scan(&prevID, &prevOwner, &prevContent, &prevCreated)
		switch {
		case scanErr == nil:
			if prevOwner != p.OwnerID || prevContent != p.Content {
				err = ErrNonceConflict
				return res, err
			}
			// replay of an already-applied send: hand back the original row
			if err = tx.Commit(); err != nil {
				return res, err
			}
			return SendResult{ID: prevID, CreatedAt: time.UnixMilli(prevCreated), Deduped: true}, nil
		case errors.Is(scanErr, sql.ErrNoRows):
			// first time we see this nonce
		default:
			err = scanErr
			return res, err
		}
	}

	nowMs := s.now().UnixMilli()
	nonce := sql.NullString{String: p.Nonce, Valid: p.Nonce != ""}
	var replyTo sql.NullInt64
	if p.ReplyTo != nil {
		replyTo = sql.NullInt64{Int64: *p.ReplyTo, Valid: true}
	}
	ins, err := tx.ExecContext(ctx, `
		INSERT INTO messages(room_code, content, nickname, owner_id, created_at,
			is_edited, reply_to_id, image_ref, video_ref, audio_ref, nonce)
		VALUES(?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		p.Room, p.Content, nickname, p.OwnerID, nowMs,
		replyTo, p.Media.Image, p.Media.Video, p.Media.Audio, nonce)
	if err != nil {
		return res, err
	}
	id, err := ins.LastInsertId()
	if err != nil {
		return res, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE rooms SET last_active = ? WHERE code = ?`, nowMs, p.Room); err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, err
	}
	return SendResult{ID: id, CreatedAt: time.UnixMilli(nowMs)}, nil
}

// Messages returns the non-expired messages of a room in ascending id order.
// An unknown room yields an empty slice, not an error.
func (s *Store) Messages(ctx context.Context, room string) ([]Message, error) {
	return s.messagesAfter(ctx, room, 0)
}

// MessagesAfter returns the non-expired messages with id > afterID, ascending.
// It is the incremental-sync read: a full fetch unioned with incremental
// fetches from its max id reconstructs the full live sequence.
func (s *Store) MessagesAfter(ctx context.Context, room string, afterID int64) ([]Message, error) {
	return s.messagesAfter(ctx, room, afterID)
}

func (s *Store) messagesAfter(ctx context.Context, room string, afterID int64) ([]Message, error) {
	cutoff := s.cutoffMillis()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_code, content, nickname, owner_id, created_at,
			is_edited, reply_to_id, image_ref, video_ref, audio_ref, nonce
		FROM messages
		WHERE room_code = ? AND id > ? AND created_at >= ?
		ORDER BY id ASC`,
		room, afterID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var m Message
		var createdMs int64
		var edited int
		var replyTo sql.NullInt64
		var nonce sql.NullString
		if err := rows.Scan(&m.ID, &m.Room, &m.Content, &m.Nickname, &m.OwnerID, &createdMs,
			&edited, &replyTo, &m.Media.Image, &m.Media.Video, &m.Media.Audio, &nonce); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdMs)
		m.IsEdited = edited != 0
		if replyTo.Valid {
			v := replyTo.Int64
			m.ReplyToID = &v
		}
		if nonce.Valid {
			m.Nonce = nonce.String
		}
		index[m.ID] = len(messages)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	// second pass for reactions, filtered the same way so an expired message
	// never resurfaces through its reaction rows
	rrows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.user_id, r.emoji
		FROM reactions r
		JOIN messages m ON m.id = r.message_id
		WHERE m.room_code = ? AND m.id > ? AND m.created_at >= ?
		ORDER BY r.message_id ASC, r.created_at ASC, r.user_id ASC, r.emoji ASC`,
		room, afterID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var msgID int64
		var r Reaction
		if err := rrows.Scan(&msgID, &r.UserID, &r.Emoji); err != nil {
			return nil, err
		}
		if i, ok := index[msgID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, r)
		}
	}
	if err := rrows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// EditMessage updates content and media of a message. It reports false, with
// no mutation, when the message is absent, expired, or owned by someone else.
func (s *Store) EditMessage(ctx context.Context, room string, id int64, ownerID, content string, media MediaRefs) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, image_ref = ?, video_ref = ?, audio_ref = ?, is_edited = 1
		WHERE id = ? AND room_code = ? AND owner_id = ? AND created_at >= ?`,
		content, media.Image, media.Video, media.Audio,
		id, room, ownerID, s.cutoffMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage physically removes a message and, via cascade, its reactions.
// Same ownership contract as EditMessage.
func (s *Store) DeleteMessage(ctx context.Context, room string, id int64, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND room_code = ? AND owner_id = ? AND created_at >= ?`,
		id, room, ownerID, s.cutoffMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddReaction records a (user, emoji) pair on a message. It reports false when
// the message is absent or expired; re-adding an existing pair is a no-op that
// still reports true.
func (s *Store) AddReaction(ctx context.Context, room string, id int64, userID, emoji string) (bool, error) {
	return s.mutateReaction(ctx, room, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO reactions(message_id, user_id, emoji, created_at) VALUES(?, ?, ?, ?)`,
			id, userID, emoji, s.now().UnixMilli())
		return err
	})
}

// RemoveReaction deletes a (user, emoji) pair. Removing an absent pair is a
// no-op; false means the message itself was absent or expired.
func (s *Store) RemoveReaction(ctx context.Context, room string, id int64, userID, emoji string) (bool, error) {
	return s.mutateReaction(ctx, room, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
			id, userID, emoji)
		return err
	})
}

func (s *Store) mutateReaction(ctx context.Context, room string, id int64, apply func(*sql.Tx) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE id = ? AND room_code = ? AND created_at >= ?`,
		id, room, s.cutoffMillis()).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		if err = tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}
	if err = apply(tx); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// PruneExpired removes expired messages and stale empty rooms in a single
// transaction, so concurrent readers see either the pre- or post-prune
// snapshot. isActive lets the caller exempt rooms with live participants; a
// nil func exempts nothing.
func (s *Store) PruneExpired(ctx context.Context, isActive func(code string) bool) (PruneStats, error) {
	var stats PruneStats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, s.cutoffMillis())
	if err != nil {
		return stats, err
	}
	if stats.Messages, err = res.RowsAffected(); err != nil {
		return stats, err
	}

	staleBefore := s.now().Add(-s.grace).UnixMilli()
	rows, err := tx.QueryContext(ctx, `
		SELECT code FROM rooms
		WHERE last_active <= ?
		AND NOT EXISTS (SELECT 1 FROM messages WHERE messages.room_code = rooms.code)`,
		staleBefore)
	if err != nil {
		return stats, err
	}
	var candidates []string
	for rows.Next() {
		var code string
		if err = rows.Scan(&code); err != nil {
			_ = rows.Close()
			return stats, err
		}
		candidates = append(candidates, code)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return stats, err
	}
	_ = rows.Close()

	for _, code := range candidates {
		if isActive != nil && isActive(code) {
			continue
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE code = ?`, code); err != nil {
			return stats, err
		}
		stats.Rooms++
		stats.RoomCodes = append(stats.RoomCodes, code)
	}

	if err = tx.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// RoomCount returns the number of registered rooms. Feeds the metrics gauge.
func (s *Store) RoomCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms`).Scan(&n)
	return n, err
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// the low byte is the primary result code; the high bytes carry the
		// extended code (UNIQUE vs PRIMARY KEY and so on), which we don't
		// care about
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}

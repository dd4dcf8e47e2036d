package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"memechat/internal/metrics"
	"memechat/internal/models"
	"memechat/internal/utils"
)

// PostgresStore keeps rooms as rows locked with SELECT ... FOR UPDATE for
// read-modify-write, and uses LISTEN/NOTIFY as the change feed.
type PostgresStore struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
	now     func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		channel: channel,
		logger:  logger.With().Str("component", "store").Logger(),
		now:     time.Now,
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// classify maps driver failures onto the chat error kinds. Anything that
// did not get an answer from the server counts as unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	for _, kind := range []error{models.ErrInvalidInput, models.ErrNotAMember, models.ErrPermissionDenied,
		models.ErrAlreadyMember, models.ErrInvariantViolation, models.ErrNotFound, models.ErrStoreUnavailable} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

const roomColumns = `id, type, participants, admins, name, description, avatar, created_by,
	direct_key, archived, created_at, last_activity, last_message`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var (
		room      models.Room
		directKey *string
		last      []byte
	)
	err := row.Scan(&room.ID, &room.Type, &room.Participants, &room.Admins, &room.Name,
		&room.Description, &room.Avatar, &room.CreatedBy, &directKey, &room.Archived,
		&room.CreatedAt, &room.LastActivity, &last)
	if err != nil {
		return nil, err
	}
	if directKey != nil {
		room.DirectKey = *directKey
	}
	if len(last) > 0 {
		room.LastMessage = &models.MessagePreview{}
		if err := json.Unmarshal(last, room.LastMessage); err != nil {
			return nil, err
		}
	}
	room.CreatedAt = room.CreatedAt.UTC()
	room.LastActivity = room.LastActivity.UTC()
	return &room, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// textArray keeps nil slices from reaching TEXT[] NOT NULL columns: pgx
// encodes a nil slice as NULL, which also bypasses the column default.
func textArray(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func lastMessageJSON(room *models.Room) ([]byte, error) {
	if room.LastMessage == nil {
		return nil, nil
	}
	return json.Marshal(room.LastMessage)
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observe("get_room", time.Now())
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, classify(err))
	}
	return room, nil
}

func (s *PostgresStore) ListUserRooms(ctx context.Context, userID string) ([]*models.Room, error) {
	defer observe("list_user_rooms", time.Now())
	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms
		WHERE $1 = ANY(participants) ORDER BY last_activity DESC, id`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, classify(err)
		}
		rooms = append(rooms, room)
	}
	return rooms, classify(rows.Err())
}

func (s *PostgresStore) insertRoom(ctx context.Context, tx pgx.Tx, room *models.Room, onConflict string) (pgconn.CommandTag, error) {
	last, err := lastMessageJSON(room)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return tx.Exec(ctx, `INSERT INTO rooms (`+roomColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) `+onConflict,
		room.ID, room.Type, textArray(room.Participants), textArray(room.Admins), room.Name, room.Description,
		room.Avatar, room.CreatedBy, nullable(room.DirectKey), room.Archived,
		room.CreatedAt, room.LastActivity, last)
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *models.Room, change *RoomChange) (*models.Room, error) {
	defer observe("create_room", time.Now())
	if err := room.Validate(); err != nil {
		return nil, err
	}
	room = room.Clone()
	p := prepare(nil, room, change, s.now())
	room.CreatedAt = p.at

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.insertRoom(ctx, tx, room, ""); err != nil {
			return err
		}
		return s.applyPlan(ctx, tx, room, change, p)
	})
	if err != nil {
		return nil, classify(err)
	}
	return room, nil
}

func (s *PostgresStore) GetOrCreateDirectRoom(ctx context.Context, room *models.Room) (*models.Room, bool, error) {
	defer observe("direct_room", time.Now())
	if err := room.Validate(); err != nil {
		return nil, false, err
	}
	room = room.Clone()
	p := prepare(nil, room, nil, s.now())
	room.CreatedAt = p.at

	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := s.insertRoom(ctx, tx, room, `ON CONFLICT (direct_key) DO NOTHING`)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return s.applyPlan(ctx, tx, room, nil, p)
	})
	if err != nil {
		return nil, false, classify(err)
	}
	if created {
		return room, true, nil
	}
	existing, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE direct_key = $1`, room.DirectKey))
	if err != nil {
		return nil, false, classify(err)
	}
	return existing, false, nil
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error) {
	defer observe("update_room", time.Now())
	var result *models.Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanRoom(tx.QueryRow(ctx,
			`SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return fmt.Errorf("room %s: %w", id, classify(err))
		}
		room := current.Clone()
		change, err := fn(room)
		if err != nil {
			return err
		}
		if change == nil {
			result = current
			return nil
		}
		if err := room.Validate(); err != nil {
			return err
		}
		p := prepare(current, room, change, s.now())
		last, err := lastMessageJSON(room)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE rooms SET participants = $2, admins = $3, name = $4,
			description = $5, avatar = $6, archived = $7, last_activity = $8, last_message = $9
			WHERE id = $1`,
			room.ID, textArray(room.Participants), textArray(room.Admins), room.Name, room.Description, room.Avatar,
			room.Archived, room.LastActivity, last)
		if err != nil {
			return err
		}
		if err := s.applyPlan(ctx, tx, room, change, p); err != nil {
			return err
		}
		result = room
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// applyPlan writes the side effects of a room write inside tx. NOTIFY is
// transactional, so subscribers only hear about committed changes.
func (s *PostgresStore) applyPlan(ctx context.Context, tx pgx.Tx, room *models.Room, change *RoomChange, p plan) error {
	for _, u := range p.joined {
		_, err := tx.Exec(ctx, `INSERT INTO read_states (room_id, user_id, last_read_at) VALUES ($1, $2, $3)
			ON CONFLICT (room_id, user_id) DO UPDATE SET last_read_at = EXCLUDED.last_read_at`,
			room.ID, u, p.at)
		if err != nil {
			return err
		}
	}
	if change != nil {
		for _, msg := range change.Messages {
			if err := insertMessage(ctx, tx, msg); err != nil {
				return err
			}
		}
		for _, n := range change.Notifications {
			_, err := tx.Exec(ctx, `INSERT INTO notifications (id, recipient_id, room_id, actor_id, kind, text, read, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				n.ID, n.RecipientID, n.RoomID, n.ActorID, n.Kind, n.Text, n.Read, n.CreatedAt)
			if err != nil {
				return err
			}
		}
	}
	return s.notify(ctx, tx, p.events...)
}

func insertMessage(ctx context.Context, tx pgx.Tx, msg *models.Message) error {
	payload, err := json.Marshal(msg.Body)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO messages (id, room_id, sender_id, sender_name, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Type(), payload, msg.Timestamp)
	return err
}

// wireEvent strips the participant list from room-scoped events. NOTIFY
// payloads are capped at 8000 bytes, which a large group would exceed; the
// listener rebuilds Users from the room row.
func wireEvent(ev models.Event) models.Event {
	if ev.RoomScoped() {
		ev.Users = nil
	}
	return ev
}

// resolveUsers fills Users of a room-scoped event received over NOTIFY.
func (s *PostgresStore) resolveUsers(ctx context.Context, ev *models.Event) {
	room, err := utils.ReadWithRetry(ctx, func() (*models.Room, error) {
		return s.GetRoom(ctx, ev.RoomID)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("room", ev.RoomID).Msg("resolve event users")
		ev.Users = slices.Clone(ev.Removed)
		return
	}
	ev.Users = append(slices.Clone(room.Participants), ev.Removed...)
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, events ...models.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(wireEvent(ev))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	defer observe("append_message", time.Now())
	stored := *msg
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		room, err := scanRoom(tx.QueryRow(ctx,
			`SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, msg.RoomID))
		if err != nil {
			return fmt.Errorf("room %s: %w", msg.RoomID, classify(err))
		}
		if !room.IsParticipant(msg.SenderID) {
			return fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, msg.SenderID, room.ID)
		}
		stampMessage(&stored, room.ID, nextTimestamp(s.now(), room.LastActivity))
		if err := insertMessage(ctx, tx, &stored); err != nil {
			return err
		}
		room.LastActivity = stored.Timestamp
		room.LastMessage = stored.Preview()
		last, err := lastMessageJSON(room)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE rooms SET last_activity = $2, last_message = $3 WHERE id = $1`,
			room.ID, room.LastActivity, last); err != nil {
			return err
		}
		return s.notify(ctx, tx, messageEvent(room, &stored))
	})
	if err != nil {
		return nil, classify(err)
	}
	return &stored, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	defer observe("list_messages", time.Now())
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT id, room_id, sender_id, sender_name, type, payload, created_at
		FROM messages WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			msg     models.Message
			kind    models.MessageType
			payload []byte
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &kind, &payload, &msg.Timestamp); err != nil {
			return nil, classify(err)
		}
		if msg.Body, err = models.DecodeBody(kind, payload); err != nil {
			return nil, err
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	// Reverse to show oldest first
	slices.Reverse(messages)
	return messages, nil
}

func (s *PostgresStore) SetReadMarker(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	defer observe("set_read_marker", time.Now())
	at = at.UTC().Truncate(tick)
	changed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO read_states (room_id, user_id, last_read_at) VALUES ($1, $2, $3)
			ON CONFLICT (room_id, user_id) DO UPDATE SET last_read_at = EXCLUDED.last_read_at
			WHERE read_states.last_read_at < EXCLUDED.last_read_at`, roomID, userID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		changed = true
		return s.notify(ctx, tx, readEvent(roomID, userID, at))
	})
	if err != nil {
		return false, classify(err)
	}
	return changed, nil
}

func (s *PostgresStore) ReadMarker(ctx context.Context, roomID, userID string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_read_at FROM read_states WHERE room_id = $1 AND user_id = $2`,
		roomID, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, classify(err)
	}
	return at.UTC(), nil
}

func (s *PostgresStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	defer observe("unread_counts", time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, COUNT(m.id)
		FROM rooms r
		LEFT JOIN read_states rs ON rs.room_id = r.id AND rs.user_id = $1
		LEFT JOIN messages m ON m.room_id = r.id
			AND m.sender_id <> $1
			AND m.created_at > COALESCE(rs.last_read_at, 'epoch'::timestamptz)
		WHERE $1 = ANY(r.participants)
		GROUP BY r.id`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			roomID string
			n      int
		)
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, classify(err)
		}
		counts[roomID] = n
	}
	return counts, classify(rows.Err())
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, recipient_id, room_id, actor_id, kind, text, read, created_at
		FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.RoomID, &n.ActorID, &n.Kind, &n.Text, &n.Read, &n.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, &n)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT read`, userID).Scan(&n)
	return n, classify(err)
}

func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE notifications SET read = true WHERE recipient_id = $1 AND NOT read`, userID)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		if n == 0 {
			return nil
		}
		return s.notify(ctx, tx, readEvent("", userID, nextTimestamp(s.now(), time.Time{})))
	})
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Watch holds a dedicated connection on LISTEN and reconnects with backoff
// when it drops. Events committed while disconnected are not replayed;
// subscribers converge on the next event for the same key.
func (s *PostgresStore) Watch(ctx context.Context) (<-chan models.Event, error) {
	conn, err := s.listen(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make(chan models.Event, 64)
	go s.pump(ctx, conn, out)
	return out, nil
}

func (s *PostgresStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

func (s *PostgresStore) pump(ctx context.Context, conn *pgxpool.Conn, out chan<- models.Event) {
	defer close(out)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		if conn == nil {
			err := backoff.Retry(func() error {
				var err error
				conn, err = s.listen(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("change feed reconnect failed")
				}
				return err
			}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
			if err != nil {
				return
			}
			s.logger.Info().Msg("change feed reconnected")
		}

		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// Close before release so the pool discards the connection.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
			conn = nil
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("change feed connection lost")
			continue
		}

		var ev models.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			s.logger.Error().Err(err).Str("payload", n.Payload).Msg("bad change feed payload")
			continue
		}
		if ev.RoomScoped() && len(ev.Users) == 0 {
			s.resolveUsers(ctx, &ev)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

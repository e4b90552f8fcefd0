// Package db is the durable store for sessions, participants, exchanges,
// user settings, and voice profiles. It exists for history and durability
// only; nothing here sits on the path a translation needs to be delivered.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"parley.chat/session"
	"parley.chat/tts"
)

//go:embed schema.sql
var ddl string

type Store struct {
	db  *sql.DB
	log *log.Logger
}

func Open(path string, logger *log.Logger) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := sqldb.ExecContext(context.Background(), ddl); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: sqldb, log: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, host_id, created_at, active) VALUES (?, ?, ?, 1)`,
		sess.ID, sess.HostID, encodeTime(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, ended_at = ? WHERE id = ? AND active = 1`,
		encodeTime(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, host_id, created_at, active, ended_at FROM sessions WHERE id = ?`,
		sessionID,
	)
	var (
		sess    session.Session
		created string
		active  int
		ended   sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.HostID, &created, &active, &ended); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	t, err := decodeTime(created)
	if err != nil {
		return nil, fmt.Errorf("decode session time: %w", err)
	}
	sess.CreatedAt = t
	sess.Active = active != 0
	if ended.Valid {
		et, err := decodeTime(ended.String)
		if err != nil {
			return nil, fmt.Errorf("decode end time: %w", err)
		}
		sess.EndedAt = &et
	}

	parts, err := s.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Participants = parts

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exchanges WHERE session_id = ?`, sessionID)
	if err := row.Scan(&sess.ExchangeCount); err != nil {
		return nil, fmt.Errorf("count exchanges: %w", err)
	}
	return &sess, nil
}

type SessionSummary struct {
	ID            string
	HostID        string
	CreatedAt     time.Time
	Active        bool
	ExchangeCount int
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.host_id, s.created_at, s.active, COUNT(e.id)
		FROM sessions s LEFT JOIN exchanges e ON e.session_id = s.id
		GROUP BY s.id ORDER BY s.created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum     SessionSummary
			created string
			active  int
		)
		if err := rows.Scan(&sum.ID, &sum.HostID, &created, &active, &sum.ExchangeCount); err != nil {
			return nil, err
		}
		t, err := decodeTime(created)
		if err != nil {
			return nil, err
		}
		sum.CreatedAt = t
		sum.Active = active != 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AddParticipant upserts: a rejoining participant returns to active by
// clearing the leave time rather than being duplicated.
func (s *Store) AddParticipant(ctx context.Context, sessionID string, p session.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants
			(session_id, participant_id, name, is_host, joined_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, participant_id)
		DO UPDATE SET left_at = NULL, status = excluded.status`,
		sessionID, p.ID, p.Name, boolToInt(p.Host), encodeTime(p.JoinedAt), string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// MarkParticipantLeft records the leave time. Rows are never deleted so
// history remains queryable.
func (s *Store) MarkParticipantLeft(ctx context.Context, sessionID, participantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE participants SET left_at = ?, status = ?
		WHERE session_id = ? AND participant_id = ? AND left_at IS NULL`,
		encodeTime(at), string(session.StatusDisconnected), sessionID, participantID,
	)
	if err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]session.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, name, is_host, joined_at, left_at, status
		FROM participants WHERE session_id = ? ORDER BY joined_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []session.Participant
	for rows.Next() {
		var (
			p      session.Participant
			isHost int
			joined string
			left   sql.NullString
			status string
		)
		if err := rows.Scan(&p.ID, &p.Name, &isHost, &joined, &left, &status); err != nil {
			return nil, err
		}
		p.Host = isHost != 0
		p.Status = session.Status(status)
		t, err := decodeTime(joined)
		if err != nil {
			return nil, err
		}
		p.JoinedAt = t
		if left.Valid {
			lt, err := decodeTime(left.String)
			if err != nil {
				return nil, err
			}
			p.LeftAt = &lt
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SaveExchange(ctx context.Context, ex *session.Exchange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges
			(id, session_id, sender_id, original_text, translated_text,
			 source_lang, target_lang, created_at, confidence, audio_ref, enhanced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.SenderID, ex.OriginalText, ex.TranslatedText,
		ex.SourceLang, ex.TargetLang, encodeTime(ex.Timestamp),
		ex.Confidence, ex.AudioRef, boolToInt(ex.Enhanced),
	)
	if err != nil {
		return fmt.Errorf("save exchange: %w", err)
	}
	return nil
}

func (s *Store) GetExchange(ctx context.Context, id string) (*session.Exchange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender_id, original_text, translated_text,
		       source_lang, target_lang, created_at, confidence, audio_ref, enhanced
		FROM exchanges WHERE id = ?`,
		id,
	)
	ex, err := scanExchange(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("get exchange: %w", err)
	}
	return ex, nil
}

// ListExchanges returns up to limit exchanges for a session, newest first.
func (s *Store) ListExchanges(ctx context.Context, sessionID string, limit int) ([]session.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_id, original_text, translated_text,
		       source_lang, target_lang, created_at, confidence, audio_ref, enhanced
		FROM exchanges WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []session.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

func scanExchange(scan func(...any) error) (*session.Exchange, error) {
	var (
		ex       session.Exchange
		created  string
		enhanced int
	)
	if err := scan(
		&ex.ID, &ex.SessionID, &ex.SenderID, &ex.OriginalText, &ex.TranslatedText,
		&ex.SourceLang, &ex.TargetLang, &created, &ex.Confidence, &ex.AudioRef, &enhanced,
	); err != nil {
		return nil, err
	}
	t, err := decodeTime(created)
	if err != nil {
		return nil, err
	}
	ex.Timestamp = t
	ex.Enhanced = enhanced != 0
	return &ex, nil
}

type UserSettings struct {
	UserID     string
	SourceLang string
	TargetLang string
	Mode       session.Mode
}

func (s *Store) SaveUserSettings(ctx context.Context, us UserSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, source_lang, target_lang, mode)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET source_lang = excluded.source_lang,
		              target_lang = excluded.target_lang,
		              mode = excluded.mode`,
		us.UserID, us.SourceLang, us.TargetLang, string(us.Mode),
	)
	if err != nil {
		return fmt.Errorf("save user settings: %w", err)
	}
	return nil
}

func (s *Store) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, source_lang, target_lang, mode FROM user_settings WHERE user_id = ?`,
		userID,
	)
	var (
		us   UserSettings
		mode string
	)
	if err := row.Scan(&us.UserID, &us.SourceLang, &us.TargetLang, &mode); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user settings: %w", err)
	}
	us.Mode = session.Mode(mode)
	return &us, nil
}

type VoiceProfile struct {
	ID     string
	UserID string
	Name   string
	Voice  tts.Voice
}

func (s *Store) SaveVoiceProfile(ctx context.Context, vp VoiceProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_profiles (id, user_id, name, voice_id, stability, similarity, style)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET name = excluded.name,
		              voice_id = excluded.voice_id,
		              stability = excluded.stability,
		              similarity = excluded.similarity,
		              style = excluded.style`,
		vp.ID, vp.UserID, vp.Name, vp.Voice.ID,
		vp.Voice.Stability, vp.Voice.Similarity, vp.Voice.Style,
	)
	if err != nil {
		return fmt.Errorf("save voice profile: %w", err)
	}
	return nil
}

func (s *Store) ListVoiceProfiles(ctx context.Context, userID string) ([]VoiceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, voice_id, stability, similarity, style
		FROM voice_profiles WHERE user_id = ? ORDER BY name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list voice profiles: %w", err)
	}
	defer rows.Close()

	var out []VoiceProfile
	for rows.Next() {
		var vp VoiceProfile
		if err := rows.Scan(
			&vp.ID, &vp.UserID, &vp.Name, &vp.Voice.ID,
			&vp.Voice.Stability, &vp.Voice.Similarity, &vp.Voice.Style,
		); err != nil {
			return nil, err
		}
		out = append(out, vp)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

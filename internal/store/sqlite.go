package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/endharassment/surveillance-reports/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const timeFormat = "2006-01-02 15:04:05"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at the given path and runs migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, boolToInt(user.IsAdmin), user.CreatedAt.UTC().Format(timeFormat))
	return translateErr(err)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var isAdmin int
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, is_admin, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &isAdmin, &createdAt)
	if err != nil {
		return nil, translateErr(err)
	}
	u.IsAdmin = isAdmin != 0
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &u, nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ExpiresAt.UTC().Format(timeFormat), sess.CreatedAt.UTC().Format(timeFormat))
	return translateErr(err)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	var expiresAt, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &expiresAt, &createdAt)
	if err != nil {
		return nil, translateErr(err)
	}
	sess.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	sess.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC().Format(timeFormat))
	return err
}

// --- Reports ---

const reportColumns = `id, case_number, user_id, status, category, notes, latitude, longitude,
	address, postal_code, locality, authority_postal_code, public, anonymous,
	created_at, updated_at, submitted_at`

func (s *SQLiteStore) CreateReport(ctx context.Context, r *model.Report) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CaseNumber, r.UserID, string(r.Status), string(r.Category), r.Notes,
		nullFloat(r.Latitude), nullFloat(r.Longitude),
		r.Address, r.PostalCode, r.Locality, nullString(r.AuthorityPostalCode),
		boolToInt(r.Public), boolToInt(r.Anonymous),
		r.CreatedAt.UTC().Format(timeFormat), r.UpdatedAt.UTC().Format(timeFormat),
		nullTime(r.SubmittedAt))
	return translateErr(err)
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if err != nil {
		return nil, translateErr(err)
	}
	return r, nil
}

// unclaimed matches a draft row nobody is dispatching. A claim older than
// the bound cutoff is abandoned, unless its mail already went out; such a
// claim only clears on commit.
const unclaimed = `status = 'draft'
	AND (submit_claim IS NULL OR (submit_sent_at IS NULL AND submit_claimed_at < ?))`

// UpdateDraftReport writes the owner-editable fields of a report. It only
// touches unclaimed drafts (see ClaimSubmission) and returns ErrConflict
// otherwise.
func (s *SQLiteStore) UpdateDraftReport(ctx context.Context, r *model.Report, staleBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET category = ?, notes = ?, latitude = ?, longitude = ?, address = ?,
		 postal_code = ?, locality = ?, authority_postal_code = ?, public = ?, anonymous = ?, updated_at = ?
		 WHERE id = ? AND `+unclaimed,
		string(r.Category), r.Notes, nullFloat(r.Latitude), nullFloat(r.Longitude), r.Address,
		r.PostalCode, r.Locality, nullString(r.AuthorityPostalCode),
		boolToInt(r.Public), boolToInt(r.Anonymous),
		r.UpdatedAt.UTC().Format(timeFormat), r.ID, staleBefore.UTC().Format(timeFormat))
	if err != nil {
		return translateErr(err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) ListReportsByUser(ctx context.Context, userID string) ([]*model.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReports(rows)
}

// ListLocatedReportsInBox returns every report with both coordinates set
// that falls inside box.
func (s *SQLiteStore) ListLocatedReportsInBox(ctx context.Context, box BoundingBox) ([]*model.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		 AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?
		 ORDER BY id`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReports(rows)
}

// DeleteDraftReport deletes an unclaimed draft report. Evidence, history and
// email log rows go with it through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteDraftReport(ctx context.Context, id string, staleBefore time.Time) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ? AND `+unclaimed,
		id, staleBefore.UTC().Format(timeFormat))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func scanReport(row scannable) (*model.Report, error) {
	var r model.Report
	var status, category, createdAt, updatedAt string
	var lat, lng sql.NullFloat64
	var authority, submittedAt sql.NullString
	var public, anonymous int
	err := row.Scan(&r.ID, &r.CaseNumber, &r.UserID, &status, &category, &r.Notes,
		&lat, &lng, &r.Address, &r.PostalCode, &r.Locality, &authority,
		&public, &anonymous, &createdAt, &updatedAt, &submittedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.ReportStatus(status)
	r.Category = model.Category(category)
	r.Latitude = parseNullFloat(lat)
	r.Longitude = parseNullFloat(lng)
	r.AuthorityPostalCode = authority.String
	r.Public = public != 0
	r.Anonymous = anonymous != 0
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	r.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	r.SubmittedAt = parseNullTime(submittedAt)
	return &r, nil
}

func scanReports(rows *sql.Rows) ([]*model.Report, error) {
	var reports []*model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Submission ---

// ClaimSubmission marks a draft report as being dispatched under token.
// While the claim is live the draft cannot be edited, deleted or given new
// evidence. It fails with ErrConflict when the report is not a draft or
// another claim newer than staleBefore is still held.
func (s *SQLiteStore) ClaimSubmission(ctx context.Context, reportID, token string, now, staleBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET submit_claim = ?, submit_claimed_at = ?
		 WHERE id = ? AND `+unclaimed,
		token, now.UTC().Format(timeFormat), reportID, staleBefore.UTC().Format(timeFormat))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkSubmissionSent records that the mail for a claim has been handed to
// the provider. From then on the claim never goes stale.
func (s *SQLiteStore) MarkSubmissionSent(ctx context.Context, reportID, token string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET submit_sent_at = ? WHERE id = ? AND status = 'draft' AND submit_claim = ?`,
		sentAt.UTC().Format(timeFormat), reportID, token)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ReleaseSubmission drops a claim taken with ClaimSubmission. Releasing a
// claim that has already been replaced, or whose mail was sent, is a no-op.
func (s *SQLiteStore) ReleaseSubmission(ctx context.Context, reportID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reports SET submit_claim = NULL, submit_claimed_at = NULL
		 WHERE id = ? AND submit_claim = ? AND submit_sent_at IS NULL`, reportID, token)
	return err
}

// CommitSubmission moves a claimed draft to submitted and appends the email
// log and status history rows in one transaction.
func (s *SQLiteStore) CommitSubmission(ctx context.Context, reportID, token string, submittedAt time.Time, logEntry *model.EmailLogEntry, history *model.StatusHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ts := submittedAt.UTC().Format(timeFormat)
	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET status = 'submitted', submitted_at = ?, updated_at = ?,
		 submit_claim = NULL, submit_claimed_at = NULL, submit_sent_at = NULL
		 WHERE id = ? AND status = 'draft' AND submit_claim = ?`,
		ts, ts, reportID, token)
	if err != nil {
		return fmt.Errorf("update report %s: %w", reportID, err)
	}
	if err := expectOneRow(res); err != nil {
		return fmt.Errorf("update report %s: %w", reportID, err)
	}

	if err := insertEmailLog(ctx, tx, logEntry); err != nil {
		return fmt.Errorf("insert email log for %s: %w", reportID, err)
	}
	if err := insertStatusHistory(ctx, tx, history); err != nil {
		return fmt.Errorf("insert status history for %s: %w", reportID, err)
	}
	return tx.Commit()
}

// TransitionStatus moves a report from `from` to history.NewStatus and
// appends history, provided the report is still in `from`.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, reportID string, from model.ReportStatus, history *model.StatusHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(history.NewStatus), history.CreatedAt.UTC().Format(timeFormat), reportID, string(from))
	if err != nil {
		return fmt.Errorf("update report %s: %w", reportID, err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	if err := insertStatusHistory(ctx, tx, history); err != nil {
		return fmt.Errorf("insert status history for %s: %w", reportID, err)
	}
	return tx.Commit()
}

// --- Evidence ---

// CreateEvidence attaches an evidence row to an unclaimed draft. It returns
// ErrConflict when the report is missing, no longer a draft or claimed.
func (s *SQLiteStore) CreateEvidence(ctx context.Context, ev *model.Evidence, staleBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, report_id, filename, content_type, media_kind, storage_path, sha256,
		 size_bytes, latitude, longitude, captured_at, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM reports WHERE id = ? AND `+unclaimed+`)`,
		ev.ID, ev.ReportID, ev.Filename, ev.ContentType, string(ev.MediaKind), ev.StoragePath,
		ev.SHA256, ev.SizeBytes, nullFloat(ev.Latitude), nullFloat(ev.Longitude),
		nullTime(ev.CapturedAt), ev.CreatedAt.UTC().Format(timeFormat),
		ev.ReportID, staleBefore.UTC().Format(timeFormat))
	if err != nil {
		return translateErr(err)
	}
	return expectOneRow(res)
}

func (s *SQLiteStore) ListEvidenceByReport(ctx context.Context, reportID string) ([]*model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, filename, content_type, media_kind, storage_path, sha256, size_bytes,
		        latitude, longitude, captured_at, created_at
		 FROM evidence WHERE report_id = ? ORDER BY created_at, rowid`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*model.Evidence
	for rows.Next() {
		var ev model.Evidence
		var mediaKind, createdAt string
		var lat, lng sql.NullFloat64
		var capturedAt sql.NullString
		err := rows.Scan(&ev.ID, &ev.ReportID, &ev.Filename, &ev.ContentType, &mediaKind,
			&ev.StoragePath, &ev.SHA256, &ev.SizeBytes, &lat, &lng, &capturedAt, &createdAt)
		if err != nil {
			return nil, err
		}
		ev.MediaKind = model.MediaKind(mediaKind)
		ev.Latitude = parseNullFloat(lat)
		ev.Longitude = parseNullFloat(lng)
		ev.CapturedAt = parseNullTime(capturedAt)
		ev.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		results = append(results, &ev)
	}
	return results, rows.Err()
}

// --- Status History ---

func insertStatusHistory(ctx context.Context, tx *sql.Tx, h *model.StatusHistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO status_history (id, report_id, old_status, new_status, actor_id, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ReportID, string(h.OldStatus), string(h.NewStatus), h.ActorID, h.Note,
		h.CreatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListStatusHistory(ctx context.Context, reportID string) ([]*model.StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, old_status, new_status, actor_id, note, created_at
		 FROM status_history WHERE report_id = ? ORDER BY created_at, rowid`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.StatusHistoryEntry
	for rows.Next() {
		var h model.StatusHistoryEntry
		var oldStatus, newStatus, createdAt string
		if err := rows.Scan(&h.ID, &h.ReportID, &oldStatus, &newStatus, &h.ActorID, &h.Note, &createdAt); err != nil {
			return nil, err
		}
		h.OldStatus = model.ReportStatus(oldStatus)
		h.NewStatus = model.ReportStatus(newStatus)
		h.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}

// --- Email Log ---

func insertEmailLog(ctx context.Context, tx *sql.Tx, e *model.EmailLogEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO email_log (id, report_id, direction, sender, recipient, subject, provider_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ReportID, string(e.Direction), e.Sender, e.Recipient, e.Subject, e.ProviderMessageID,
		e.CreatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListEmailLog(ctx context.Context, reportID string) ([]*model.EmailLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, direction, sender, recipient, subject, provider_message_id, created_at
		 FROM email_log WHERE report_id = ? ORDER BY created_at, rowid`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.EmailLogEntry
	for rows.Next() {
		var e model.EmailLogEntry
		var direction, createdAt string
		if err := rows.Scan(&e.ID, &e.ReportID, &direction, &e.Sender, &e.Recipient, &e.Subject,
			&e.ProviderMessageID, &createdAt); err != nil {
			return nil, err
		}
		e.Direction = model.EmailDirection(direction)
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Authorities ---

func (s *SQLiteStore) GetAuthority(ctx context.Context, postalCode string) (*model.AuthorityRecord, error) {
	a, err := scanAuthority(s.db.QueryRowContext(ctx,
		`SELECT postal_code, name, email, latitude, longitude, personal_contact, fetched_at
		 FROM authorities WHERE postal_code = ?`, postalCode))
	if err != nil {
		return nil, translateErr(err)
	}
	return a, nil
}

// UpsertAuthority inserts or replaces every mutable field of the record
// keyed by its postal code.
func (s *SQLiteStore) UpsertAuthority(ctx context.Context, rec *model.AuthorityRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorities (postal_code, name, email, latitude, longitude, personal_contact, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(postal_code) DO UPDATE SET
		   name = excluded.name,
		   email = excluded.email,
		   latitude = excluded.latitude,
		   longitude = excluded.longitude,
		   personal_contact = excluded.personal_contact,
		   fetched_at = excluded.fetched_at`,
		rec.PostalCode, rec.Name, nullString(rec.Email), rec.Latitude, rec.Longitude,
		boolToInt(rec.PersonalContact), rec.FetchedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListStaleAuthorities(ctx context.Context, fetchedBefore time.Time, limit int) ([]*model.AuthorityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT postal_code, name, email, latitude, longitude, personal_contact, fetched_at
		 FROM authorities WHERE fetched_at < ? ORDER BY fetched_at, postal_code LIMIT ?`,
		fetchedBefore.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*model.AuthorityRecord
	for rows.Next() {
		a, err := scanAuthority(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, a)
	}
	return recs, rows.Err()
}

func scanAuthority(row scannable) (*model.AuthorityRecord, error) {
	var a model.AuthorityRecord
	var email sql.NullString
	var personal int
	var fetchedAt string
	if err := row.Scan(&a.PostalCode, &a.Name, &email, &a.Latitude, &a.Longitude, &personal, &fetchedAt); err != nil {
		return nil, err
	}
	a.Email = email.String
	a.PersonalContact = personal != 0
	a.FetchedAt, _ = time.Parse(timeFormat, fetchedAt)
	return &a, nil
}

// --- Helpers ---

// translateErr maps driver errors onto the package sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func parseNullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, _ := time.Parse(timeFormat, s.String)
	return &t
}

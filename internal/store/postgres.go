package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction and commits if it returns nil.
// Any error rolls the whole transaction back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, display_name, password_hash, reviewer)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, user.Email, user.DisplayName, user.PasswordHash, user.Reviewer).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, reviewer, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Reviewer, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, reviewer, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Reviewer, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM sessions
		WHERE token_hash=$1 AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup session: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

const annotationColumns = `id, annotator_id, image_id, locked, finished, deleted,
	creation_time, last_edit_time, edit_key, edit_version, score`

func scanAnnotation(row *sql.Row) (Annotation, error) {
	var a Annotation
	err := row.Scan(&a.ID, &a.AnnotatorID, &a.ImageID, &a.Locked, &a.Finished, &a.Deleted,
		&a.CreationTime, &a.LastEditTime, &a.EditKey, &a.EditVersion, &a.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, ErrNotFound
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("scan annotation: %w", err)
	}
	return a, nil
}

// GetAnnotation reads an annotation without taking any lock. Suitable
// for the optimistic pre-check only; the write path re-reads under
// FOR UPDATE.
func (s *PostgresStore) GetAnnotation(ctx context.Context, annoID int64) (Annotation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations WHERE id=$1 AND NOT deleted`, annoID)
	return scanAnnotation(row)
}

const imageColumns = `id, file_path, available, deleted, uploaded, content_hash,
	width, height, uploader_id, upload_time, anno_count`

func scanImage(row *sql.Row) (Image, error) {
	var img Image
	err := row.Scan(&img.ID, &img.FilePath, &img.Available, &img.Deleted, &img.Uploaded,
		&img.ContentHash, &img.Width, &img.Height, &img.UploaderID, &img.UploadTime, &img.AnnoCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, fmt.Errorf("scan image: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) GetImage(ctx context.Context, imageID int64) (Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id=$1`, imageID)
	return scanImage(row)
}

// InsertImage reserves a content hash for an ingest in progress. The
// row starts soft-deleted; it only becomes real via MarkImageUploaded,
// so an ingest that dies midway leaves nothing visible. A hash held by
// such a stalled row is reclaimed rather than refused, otherwise one
// failed write would block that image forever. Returns
// ErrDuplicateImage when the hash belongs to a completed upload.
func (s *PostgresStore) InsertImage(ctx context.Context, img Image) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO images (file_path, content_hash, uploader_id, deleted)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (content_hash) DO UPDATE
			SET file_path=EXCLUDED.file_path, uploader_id=EXCLUDED.uploader_id, upload_time=NOW()
			WHERE images.deleted AND NOT images.uploaded
		RETURNING id
	`, img.FilePath, img.ContentHash, img.UploaderID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicateImage
	}
	if err != nil {
		return 0, fmt.Errorf("insert image: %w", err)
	}
	return id, nil
}

// MarkImageUploaded completes an ingest: the stored bytes exist, so the
// row sheds its soft-delete and becomes visible (though not yet
// available for claiming).
func (s *PostgresStore) MarkImageUploaded(ctx context.Context, imageID int64, filePath string, width, height int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE images SET uploaded=TRUE, deleted=FALSE, file_path=$2, width=$3, height=$4
		WHERE id=$1
	`, imageID, filePath, width, height)
	if err != nil {
		return fmt.Errorf("mark image uploaded: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnnotationsByUser(ctx context.Context, userID int64) ([]AnnotationListItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_id, locked, finished, score, last_edit_time
		FROM annotations
		WHERE annotator_id=$1 AND NOT deleted
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]AnnotationListItem, 0)
	for rows.Next() {
		var item AnnotationListItem
		if err := rows.Scan(&item.ID, &item.ImageID, &item.Locked, &item.Finished, &item.Score, &item.LastEditTime); err != nil {
			return nil, fmt.Errorf("scan annotation row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// ListActiveAnnotationIDs returns the ids of every non-deleted
// annotation, used by the rescore command.
func (s *PostgresStore) ListActiveAnnotationIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM annotations WHERE NOT deleted ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list annotation ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan annotation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotation ids: %w", err)
	}
	return ids, nil
}

// ReviewImage applies a bulk review action to one uploaded, unreviewed
// image. Reports whether the row actually changed.
func (s *PostgresStore) ReviewImage(ctx context.Context, imageID int64, accept bool) (bool, error) {
	var result sql.Result
	var err error
	if accept {
		result, err = s.db.ExecContext(ctx, `
			UPDATE images SET available=TRUE
			WHERE id=$1 AND uploaded AND NOT deleted AND NOT available
		`, imageID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE images SET deleted=TRUE, available=FALSE
			WHERE id=$1 AND uploaded AND NOT deleted AND NOT available
		`, imageID)
	}
	if err != nil {
		return false, fmt.Errorf("review image: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("review image rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func marshalPoints(points []float64) ([]byte, error) {
	if points == nil {
		points = []float64{}
	}
	encoded, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("marshal points: %w", err)
	}
	return encoded, nil
}

func unmarshalPoints(raw []byte) ([]float64, error) {
	var points []float64
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, fmt.Errorf("unmarshal points: %w", err)
	}
	return points, nil
}

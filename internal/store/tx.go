package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx is the set of row-locking operations available inside WithTx.
// Single-target operations lock with FOR UPDATE and wait; the claim
// query locks with SKIP LOCKED so concurrent claimers pass each other.
type Tx interface {
	GetAnnotation(ctx context.Context, annoID int64) (Annotation, error)
	GetAnnotationForUpdate(ctx context.Context, annoID int64) (Annotation, error)
	PolygonsByAnnotation(ctx context.Context, annoID int64) ([]Polygon, error)
	RotateEditKey(ctx context.Context, annoID int64, key string) error
	InsertPolygon(ctx context.Context, p Polygon) (int64, error)
	UpdatePolygon(ctx context.Context, p Polygon) error
	UpdateAnnotationEdit(ctx context.Context, annoID, version int64, score float64) error
	SetAnnotationState(ctx context.Context, annoID int64, locked, finished, deleted bool) error
	InsertAnnotation(ctx context.Context, a Annotation) (int64, error)
	ClaimNextImage(ctx context.Context, userID int64) (Image, error)
	AdjustImageAnnoCount(ctx context.Context, imageID int64, delta int) error
	GetImage(ctx context.Context, imageID int64) (Image, error)
	GetImageForUpdate(ctx context.Context, imageID int64) (Image, error)
	SetImageState(ctx context.Context, imageID int64, available, deleted bool) error
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetAnnotation(ctx context.Context, annoID int64) (Annotation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations WHERE id=$1 AND NOT deleted`, annoID)
	return scanAnnotation(row)
}

func (t *pgTx) GetAnnotationForUpdate(ctx context.Context, annoID int64) (Annotation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+annotationColumns+` FROM annotations WHERE id=$1 AND NOT deleted FOR UPDATE`, annoID)
	return scanAnnotation(row)
}

// PolygonsByAnnotation returns every polygon of the annotation,
// deleted ones included, in creation order. Reconciliation needs the
// deleted rows to refuse resurrection.
func (t *pgTx) PolygonsByAnnotation(ctx context.Context, annoID int64) ([]Polygon, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, annotation_id, label, notes, points, occluded, locked, deleted,
			anno_index, creation_time, last_edit_time
		FROM polygons
		WHERE annotation_id=$1
		ORDER BY id ASC
	`, annoID)
	if err != nil {
		return nil, fmt.Errorf("list polygons: %w", err)
	}
	defer rows.Close()

	items := make([]Polygon, 0)
	for rows.Next() {
		var p Polygon
		var rawPoints []byte
		var annoIndex sql.NullInt64
		if err := rows.Scan(&p.ID, &p.AnnotationID, &p.Label, &p.Notes, &rawPoints,
			&p.Occluded, &p.Locked, &p.Deleted, &annoIndex, &p.CreationTime, &p.LastEditTime); err != nil {
			return nil, fmt.Errorf("scan polygon: %w", err)
		}
		if p.Points, err = unmarshalPoints(rawPoints); err != nil {
			return nil, err
		}
		if annoIndex.Valid {
			idx := int(annoIndex.Int64)
			p.AnnoIndex = &idx
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate polygons: %w", err)
	}
	return items, nil
}

// RotateEditKey publishes a fresh edit session: new key, version reset
// to zero, and every positional index cleared. The two statements stay
// in the same transaction so no session can ever observe a new key with
// a stale index still set.
func (t *pgTx) RotateEditKey(ctx context.Context, annoID int64, key string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE annotations SET edit_key=$2, edit_version=0 WHERE id=$1
	`, annoID, key); err != nil {
		return fmt.Errorf("rotate edit key: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE polygons SET anno_index=NULL WHERE annotation_id=$1 AND anno_index IS NOT NULL
	`, annoID); err != nil {
		return fmt.Errorf("clear polygon indices: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPolygon(ctx context.Context, p Polygon) (int64, error) {
	rawPoints, err := marshalPoints(p.Points)
	if err != nil {
		return 0, err
	}
	var annoIndex sql.NullInt64
	if p.AnnoIndex != nil {
		annoIndex = sql.NullInt64{Int64: int64(*p.AnnoIndex), Valid: true}
	}
	var id int64
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO polygons (annotation_id, label, notes, points, occluded, locked, deleted, anno_index)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		RETURNING id
	`, p.AnnotationID, p.Label, p.Notes, string(rawPoints), p.Occluded, p.Locked, p.Deleted, annoIndex).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert polygon: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdatePolygon(ctx context.Context, p Polygon) error {
	rawPoints, err := marshalPoints(p.Points)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE polygons
		SET label=$2, notes=$3, points=$4::jsonb, occluded=$5, deleted=$6, last_edit_time=NOW()
		WHERE id=$1
	`, p.ID, p.Label, p.Notes, string(rawPoints), p.Occluded, p.Deleted)
	if err != nil {
		return fmt.Errorf("update polygon: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update polygon rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateAnnotationEdit(ctx context.Context, annoID, version int64, score float64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE annotations SET edit_version=$2, score=$3, last_edit_time=NOW()
		WHERE id=$1
	`, annoID, version, score)
	if err != nil {
		return fmt.Errorf("update annotation edit: %w", err)
	}
	return nil
}

func (t *pgTx) SetAnnotationState(ctx context.Context, annoID int64, locked, finished, deleted bool) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE annotations SET locked=$2, finished=$3, deleted=$4
		WHERE id=$1
	`, annoID, locked, finished, deleted)
	if err != nil {
		return fmt.Errorf("set annotation state: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAnnotation(ctx context.Context, a Annotation) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO annotations (annotator_id, image_id, edit_key, edit_version, score)
		VALUES ($1, $2, $3, 0, 0)
		RETURNING id
	`, a.AnnotatorID, a.ImageID, a.EditKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert annotation: %w", err)
	}
	return id, nil
}

// ClaimNextImage picks the least-annotated available image the user is
// not already working on and locks its row. SKIP LOCKED lets a second
// concurrent claimer move past it instead of queueing behind the lock.
func (t *pgTx) ClaimNextImage(ctx context.Context, userID int64) (Image, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE available AND NOT deleted
		  AND NOT EXISTS (
			SELECT 1 FROM annotations a
			WHERE a.image_id = images.id AND a.annotator_id = $1 AND NOT a.deleted
		  )
		ORDER BY anno_count ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, userID)
	img, err := scanImage(row)
	if errors.Is(err, ErrNotFound) {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, fmt.Errorf("claim next image: %w", err)
	}
	return img, nil
}

func (t *pgTx) AdjustImageAnnoCount(ctx context.Context, imageID int64, delta int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE images SET anno_count = anno_count + $2 WHERE id=$1
	`, imageID, delta)
	if err != nil {
		return fmt.Errorf("adjust image anno count: %w", err)
	}
	return nil
}

func (t *pgTx) GetImage(ctx context.Context, imageID int64) (Image, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id=$1`, imageID)
	return scanImage(row)
}

func (t *pgTx) GetImageForUpdate(ctx context.Context, imageID int64) (Image, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id=$1 FOR UPDATE`, imageID)
	return scanImage(row)
}

func (t *pgTx) SetImageState(ctx context.Context, imageID int64, available, deleted bool) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE images SET available=$2, deleted=$3 WHERE id=$1
	`, imageID, available, deleted)
	if err != nil {
		return fmt.Errorf("set image state: %w", err)
	}
	return nil
}

package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/tpwrules/labelous/internal/auth"
	"github.com/tpwrules/labelous/internal/authpw"
	"github.com/tpwrules/labelous/internal/config"
	"github.com/tpwrules/labelous/internal/editkey"
	"github.com/tpwrules/labelous/internal/labelme"
	"github.com/tpwrules/labelous/internal/perm"
	"github.com/tpwrules/labelous/internal/recon"
	"github.com/tpwrules/labelous/internal/scores"
	"github.com/tpwrules/labelous/internal/store"
)

// SubmitOutcome reports what happened to a submitted edit document.
// Staleness is an expected concurrency outcome, not an error: the tool
// re-reads and retries.
type SubmitOutcome int

const (
	SubmitApplied SubmitOutcome = iota
	SubmitStale
)

// RescoreDrift is one annotation whose stored score disagrees with the
// current score table.
type RescoreDrift struct {
	AnnotationID int64
	Annotator    int64
	Old          float64
	New          float64
}

type dataStore interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	GetAnnotation(ctx context.Context, annoID int64) (store.Annotation, error)
	GetImage(ctx context.Context, imageID int64) (store.Image, error)
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	ListAnnotationsByUser(ctx context.Context, userID int64) ([]store.AnnotationListItem, error)
	ListActiveAnnotationIDs(ctx context.Context) ([]int64, error)
	InsertImage(ctx context.Context, img store.Image) (int64, error)
	MarkImageUploaded(ctx context.Context, imageID int64, filePath string, width, height int) error
	ReviewImage(ctx context.Context, imageID int64, accept bool) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (int64, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

type scoreTable interface {
	Weights() (map[string]float64, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	scores    scoreTable
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, passwords *authpw.Service, scoreTable *scores.Table) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		scores:    scoreTable,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SignUp registers a new annotator account.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (int64, error) {
	id, err := s.passwords.SignUp(ctx, email, password, displayName)
	if err != nil {
		return 0, domainError(400, "BAD_SIGNUP", err.Error(), nil)
	}
	return id, nil
}

// SignIn verifies credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (string, store.User, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return "", store.User{}, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password.", nil)
	}
	token := auth.NewToken()
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	if err := s.sessions.SaveSession(ctx, auth.HashToken(token), user.ID, expiresAt); err != nil {
		return "", store.User{}, fmt.Errorf("open session: %w", err)
	}
	return token, user, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.RevokeSession(ctx, auth.HashToken(token))
}

// UserFromToken resolves a session token to its user.
func (s *Service) UserFromToken(ctx context.Context, token string) (store.User, error) {
	userID, err := s.sessions.LookupSession(ctx, auth.HashToken(token))
	if err != nil {
		return store.User{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, auth.ErrInvalidToken
	}
	return user, nil
}

// AnnotationDocument serializes an annotation for the tool. An edit
// read rotates the edit key and publishes it in the document; the
// rotation commits here, not on the eventual write, so a later
// edit read correctly supersedes any earlier one.
func (s *Service) AnnotationDocument(ctx context.Context, user store.User, name string, forEdit bool) ([]byte, error) {
	n, err := labelme.DecodeName(name, false, true)
	if err != nil {
		return nil, errBadDocument("Bad document name.")
	}

	var out []byte
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var anno store.Annotation
		var err error
		if forEdit {
			anno, err = tx.GetAnnotationForUpdate(ctx, *n.AnnoID)
		} else {
			anno, err = tx.GetAnnotation(ctx, *n.AnnoID)
		}
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound()
		}
		if err != nil {
			return err
		}
		if n.ImageID != nil && *n.ImageID != anno.ImageID {
			return errNotFound()
		}

		img, err := tx.GetImage(ctx, anno.ImageID)
		if err != nil {
			return err
		}
		if img.Deleted || !img.Uploaded {
			return errNotFound()
		}

		mode := perm.ModeView
		if forEdit {
			mode = perm.ModeEdit
		}
		if !perm.Can(user, anno, mode) {
			return errForbidden()
		}

		key := ""
		if forEdit {
			key = editkey.New()
			if err := tx.RotateEditKey(ctx, anno.ID, key); err != nil {
				return err
			}
		}

		polys, err := tx.PolygonsByAnnotation(ctx, anno.ID)
		if err != nil {
			return err
		}
		out = labelme.Serialize(anno, polys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitDocument reconciles a submitted edit document against the
// store. The token and version are checked twice: once optimistically
// to skip wasted work, and again under the annotation's row lock where
// the answer is authoritative.
func (s *Service) SubmitDocument(ctx context.Context, user store.User, raw []byte) (SubmitOutcome, error) {
	doc, err := labelme.Parse(raw)
	if err != nil {
		return 0, errBadDocument("Bad document.")
	}
	annoID := *doc.Name.AnnoID
	if !editkey.Valid(doc.EditKey) {
		return 0, errBadDocument("Bad document.")
	}

	anno, err := s.store.GetAnnotation(ctx, annoID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, errNotFound()
	}
	if err != nil {
		return 0, err
	}
	if !perm.Can(user, anno, perm.ModeEdit) {
		return 0, errForbidden()
	}
	if !editkey.Match(anno.EditKey, doc.EditKey) || doc.EditVersion <= anno.EditVersion {
		return SubmitStale, nil
	}

	weights, err := s.scores.Weights()
	if err != nil {
		return 0, fmt.Errorf("load score table: %w", err)
	}

	outcome := SubmitApplied
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		anno, err := tx.GetAnnotationForUpdate(ctx, annoID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound()
		}
		if err != nil {
			return err
		}
		if !perm.Can(user, anno, perm.ModeEdit) {
			return errForbidden()
		}
		if !editkey.Match(anno.EditKey, doc.EditKey) || doc.EditVersion <= anno.EditVersion {
			outcome = SubmitStale
			return nil
		}

		// Same checks as the edit read: the filename must name the
		// annotation's own image, and that image must still exist.
		if doc.Name.ImageID != nil && *doc.Name.ImageID != anno.ImageID {
			return errNotFound()
		}
		img, err := tx.GetImage(ctx, anno.ImageID)
		if err != nil {
			return err
		}
		if img.Deleted || !img.Uploaded {
			return errNotFound()
		}

		polys, err := tx.PolygonsByAnnotation(ctx, anno.ID)
		if err != nil {
			return err
		}
		plan, err := recon.Build(doc.Objects, polys, weights)
		if err != nil {
			return errBadDocument("Bad document.")
		}

		for _, p := range plan.Creates {
			p.AnnotationID = anno.ID
			if _, err := tx.InsertPolygon(ctx, p); err != nil {
				return err
			}
		}
		for _, p := range plan.Updates {
			if err := tx.UpdatePolygon(ctx, p); err != nil {
				return err
			}
		}
		return tx.UpdateAnnotationEdit(ctx, anno.ID, doc.EditVersion, plan.Score)
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// ClaimNextImage assigns the requesting user a fresh annotation on the
// least-annotated image they are not already working on. Returns nils
// when nothing is claimable; that is a normal outcome.
func (s *Service) ClaimNextImage(ctx context.Context, user store.User) (*store.Annotation, *store.Image, error) {
	var claimedAnno *store.Annotation
	var claimedImg *store.Image
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		img, err := tx.ClaimNextImage(ctx, user.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		anno := store.Annotation{
			AnnotatorID: user.ID,
			ImageID:     img.ID,
			EditKey:     editkey.New(),
		}
		id, err := tx.InsertAnnotation(ctx, anno)
		if err != nil {
			return err
		}
		anno.ID = id
		if err := tx.AdjustImageAnnoCount(ctx, img.ID, 1); err != nil {
			return err
		}
		img.AnnoCount++
		claimedAnno = &anno
		claimedImg = &img
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claimedAnno, claimedImg, nil
}

// lockOwned loads an annotation under its row lock and enforces the
// owner-only rules shared by the user-facing lifecycle actions.
func lockOwned(ctx context.Context, tx store.Tx, user store.User, annoID int64) (store.Annotation, error) {
	anno, err := tx.GetAnnotationForUpdate(ctx, annoID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Annotation{}, errNotFound()
	}
	if err != nil {
		return store.Annotation{}, err
	}
	if anno.AnnotatorID != user.ID {
		return store.Annotation{}, errNotFound()
	}
	if anno.Finished {
		return store.Annotation{}, errForbidden()
	}
	return anno, nil
}

// SubmitForReview locks the annotation so a reviewer can act on it.
func (s *Service) SubmitForReview(ctx context.Context, user store.User, annoID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		anno, err := lockOwned(ctx, tx, user, annoID)
		if err != nil {
			return err
		}
		if anno.Locked {
			return errConflict("Already awaiting review.")
		}
		return tx.SetAnnotationState(ctx, anno.ID, true, false, false)
	})
}

// WithdrawReview takes an annotation back out of the review queue.
func (s *Service) WithdrawReview(ctx context.Context, user store.User, annoID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		anno, err := lockOwned(ctx, tx, user, annoID)
		if err != nil {
			return err
		}
		if !anno.Locked {
			return errConflict("Not awaiting review.")
		}
		return tx.SetAnnotationState(ctx, anno.ID, false, false, false)
	})
}

// lockForReview loads an annotation under its row lock for a reviewer
// decision.
func lockForReview(ctx context.Context, tx store.Tx, user store.User, annoID int64) (store.Annotation, error) {
	if !user.Reviewer {
		return store.Annotation{}, errForbidden()
	}
	anno, err := tx.GetAnnotationForUpdate(ctx, annoID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Annotation{}, errNotFound()
	}
	if err != nil {
		return store.Annotation{}, err
	}
	if anno.Finished {
		return store.Annotation{}, errForbidden()
	}
	if !anno.Locked {
		return store.Annotation{}, errConflict("Not awaiting review.")
	}
	return anno, nil
}

// AcceptAnnotation finishes an annotation. Finished is terminal.
func (s *Service) AcceptAnnotation(ctx context.Context, user store.User, annoID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		anno, err := lockForReview(ctx, tx, user, annoID)
		if err != nil {
			return err
		}
		return tx.SetAnnotationState(ctx, anno.ID, true, true, false)
	})
}

// RejectAnnotation returns an annotation to its owner for more work.
func (s *Service) RejectAnnotation(ctx context.Context, user store.User, annoID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		anno, err := lockForReview(ctx, tx, user, annoID)
		if err != nil {
			return err
		}
		return tx.SetAnnotationState(ctx, anno.ID, false, false, false)
	})
}

// DeleteAnnotation soft-deletes an annotation. Owners may delete while
// in progress; reviewers may also clear out items awaiting review.
func (s *Service) DeleteAnnotation(ctx context.Context, user store.User, annoID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		anno, err := tx.GetAnnotationForUpdate(ctx, annoID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound()
		}
		if err != nil {
			return err
		}
		if anno.AnnotatorID != user.ID && !user.Reviewer {
			return errNotFound()
		}
		if anno.Finished {
			return errForbidden()
		}
		if anno.Locked && !user.Reviewer {
			return errConflict("Awaiting review; withdraw it first.")
		}
		if err := tx.SetAnnotationState(ctx, anno.ID, anno.Locked, false, true); err != nil {
			return err
		}
		return tx.AdjustImageAnnoCount(ctx, anno.ImageID, -1)
	})
}

// UploadImage ingests a JPEG, deduplicating by content hash. The row is
// reserved soft-deleted first and only flipped live once the bytes are
// on disk, so a failed write leaves no visible image and a retry with
// the same bytes reclaims the hash instead of hitting the dedup check.
// The new image then stays hidden until a reviewer accepts it.
func (s *Service) UploadImage(ctx context.Context, user store.User, data []byte) (store.Image, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return store.Image{}, errBadDocument("Not a valid JPEG image.")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	relPath := filepath.Join(hash[:2], hash+".jpg")

	img := store.Image{
		FilePath:    relPath,
		ContentHash: hash,
		UploaderID:  user.ID,
	}
	id, err := s.store.InsertImage(ctx, img)
	if errors.Is(err, store.ErrDuplicateImage) {
		return store.Image{}, errConflict("Image already exists.")
	}
	if err != nil {
		return store.Image{}, err
	}

	fullPath := filepath.Join(s.cfg.ImagesDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return store.Image{}, fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return store.Image{}, fmt.Errorf("write image file: %w", err)
	}

	if err := s.store.MarkImageUploaded(ctx, id, relPath, cfg.Width, cfg.Height); err != nil {
		return store.Image{}, err
	}
	img.ID = id
	img.Uploaded = true
	img.Width = cfg.Width
	img.Height = cfg.Height
	return img, nil
}

// AcceptImage makes an uploaded image available for claiming.
func (s *Service) AcceptImage(ctx context.Context, user store.User, imageID int64) error {
	if !user.Reviewer {
		return errForbidden()
	}
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		img, err := tx.GetImageForUpdate(ctx, imageID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound()
		}
		if err != nil {
			return err
		}
		if img.Deleted || !img.Uploaded {
			return errNotFound()
		}
		if img.Available {
			return nil
		}
		return tx.SetImageState(ctx, img.ID, true, false)
	})
}

// DeleteImage soft-removes an image. Reviewers and the uploader may do
// this; it stops further claims but leaves existing annotations alone.
func (s *Service) DeleteImage(ctx context.Context, user store.User, imageID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		img, err := tx.GetImageForUpdate(ctx, imageID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound()
		}
		if err != nil {
			return err
		}
		if img.UploaderID != user.ID && !user.Reviewer {
			return errNotFound()
		}
		if img.Deleted {
			return errNotFound()
		}
		return tx.SetImageState(ctx, img.ID, false, true)
	})
}

// ListAnnotations returns the caller's non-deleted annotations.
func (s *Service) ListAnnotations(ctx context.Context, user store.User) ([]store.AnnotationListItem, error) {
	return s.store.ListAnnotationsByUser(ctx, user.ID)
}

// ImagePath resolves a tool image request to a path under the image
// storage dir.
func (s *Service) ImagePath(ctx context.Context, user store.User, name string) (string, error) {
	n, err := labelme.DecodeName(name, true, false)
	if err != nil {
		return "", errBadDocument("Bad image name.")
	}
	img, err := s.store.GetImage(ctx, *n.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", errNotFound()
	}
	if err != nil {
		return "", err
	}
	if img.Deleted || !img.Uploaded {
		return "", errNotFound()
	}
	return filepath.Join(s.cfg.ImagesDir, img.FilePath), nil
}

// Rescore recomputes every active annotation's score from the current
// score table, one annotation per transaction under its row lock.
// Reports drift; persists only when save is set.
func (s *Service) Rescore(ctx context.Context, save bool) ([]RescoreDrift, error) {
	weights, err := s.scores.Weights()
	if err != nil {
		return nil, fmt.Errorf("load score table: %w", err)
	}
	ids, err := s.store.ListActiveAnnotationIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []RescoreDrift
	for _, id := range ids {
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			anno, err := tx.GetAnnotationForUpdate(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				// Deleted since listing; nothing to rescore.
				return nil
			}
			if err != nil {
				return err
			}
			polys, err := tx.PolygonsByAnnotation(ctx, anno.ID)
			if err != nil {
				return err
			}
			score := 0.0
			for _, p := range polys {
				if !p.Deleted {
					score += weights[p.Label]
				}
			}
			if score == anno.Score {
				return nil
			}
			drifts = append(drifts, RescoreDrift{
				AnnotationID: anno.ID,
				Annotator:    anno.AnnotatorID,
				Old:          anno.Score,
				New:          score,
			})
			if !save {
				return nil
			}
			// The edit key stays put: the score is accurate as of this
			// lock, and any later edit recomputes it anyway.
			return tx.UpdateAnnotationEdit(ctx, anno.ID, anno.EditVersion, score)
		})
		if err != nil {
			return nil, err
		}
	}
	return drifts, nil
}

// ReviewImages applies accept or delete to each uploaded, unreviewed
// image in ids, reporting how many rows changed.
func (s *Service) ReviewImages(ctx context.Context, accept bool, ids []int64) (int, error) {
	changed := 0
	for _, id := range ids {
		ok, err := s.store.ReviewImage(ctx, id, accept)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

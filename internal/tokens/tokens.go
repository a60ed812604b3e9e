// Package tokens issues and validates the phase-scoped access tokens that let
// a member act on their own vote, signup or waiver from an email link.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"hike-coordinator/internal/common/clock"
	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
	"hike-coordinator/internal/repository"
)

const tokenBytes = 32

type Status string

const (
	StatusNotFound    Status = "not_found"
	StatusInvalidHike Status = "invalid_hike"
	StatusExpired     Status = "expired"
	StatusValid       Status = "valid"
)

type Validation struct {
	Status Status
	Token  models.AccessToken
	Hike   models.Hike
}

func (v Validation) Valid() bool {
	return v.Status == StatusValid
}

// Err maps a non-valid outcome to its user-facing error, nil when valid.
func (v Validation) Err() error {
	switch v.Status {
	case StatusValid:
		return nil
	case StatusInvalidHike:
		return apperrors.NewTokenInvalidHikeError(v.Token.HikeID)
	case StatusExpired:
		return apperrors.NewTokenExpiredError(v.Token.Phase.String())
	default:
		return apperrors.NewTokenNotFoundError()
	}
}

type Store struct {
	store  repository.Store
	clock  clock.Clock
	logger logger.Logger
	random func([]byte) (int, error)
}

func NewStore(store repository.Store, clk clock.Clock, log logger.Logger) *Store {
	return &Store{
		store:  store,
		clock:  clk,
		logger: logger.Component(log, "tokens"),
		random: rand.Read,
	}
}

// Issue replaces any live token for (member, hike, phase) with a fresh one.
// It runs inside the caller's transaction.
func (s *Store) Issue(ctx context.Context, tx repository.Tx, memberID, hikeID int64, phase models.Phase) (string, error) {
	if err := tx.Tokens().DeleteFor(ctx, memberID, hikeID, phase); err != nil {
		return "", fmt.Errorf("delete previous token: %w", err)
	}

	token, err := s.generate()
	if err != nil {
		return "", err
	}

	err = tx.Tokens().Create(ctx, models.AccessToken{
		Token:    token,
		MemberID: memberID,
		HikeID:   hikeID,
		Phase:    phase,
		IssuedAt: s.clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

func (s *Store) generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := s.random(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate checks a token in its own transaction.
func (s *Store) Validate(ctx context.Context, token string) (Validation, error) {
	var out Validation
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = s.ValidateTx(ctx, tx, token)
		return err
	})
	return out, err
}

// ValidateTx checks a token inside the caller's transaction. Every lookup of
// an existing token counts as a use; the first valid one is timestamped.
func (s *Store) ValidateTx(ctx context.Context, tx repository.Tx, token string) (Validation, error) {
	if token == "" {
		return Validation{Status: StatusNotFound}, nil
	}

	t, err := tx.Tokens().Get(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return Validation{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("load token: %w", err)
	}

	out := Validation{Token: t}
	hike, err := tx.Hikes().Get(ctx, t.HikeID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		out.Status = StatusInvalidHike
	case err != nil:
		return Validation{}, fmt.Errorf("load hike: %w", err)
	case !hike.Active() || hike.Phase != t.Phase:
		out.Hike = hike
		out.Status = StatusExpired
	default:
		out.Hike = hike
		out.Status = StatusValid
	}

	var at *time.Time
	if out.Valid() {
		now := s.clock.Now()
		at = &now
	}
	if err := tx.Tokens().RecordUse(ctx, token, at); err != nil {
		return Validation{}, fmt.Errorf("record token use: %w", err)
	}

	out.Token.UseCount++
	if at != nil && out.Token.FirstUsedAt == nil {
		out.Token.FirstUsedAt = at
	}

	if !out.Valid() {
		s.logger.Debug("Rejected access token", map[string]interface{}{
			"status":   string(out.Status),
			"memberId": t.MemberID,
			"hikeId":   t.HikeID,
			"phase":    t.Phase.String(),
		})
	}
	return out, nil
}

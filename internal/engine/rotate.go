package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slothvips/padsync/internal/secrets"
)

// RotateMode selects a client's role during key rotation.
type RotateMode string

// Rotation modes. Exactly one client rotates as the authority and
// re-seeds the shared log; everyone else joins as a member and rebuilds
// from it.
const (
	RotateAuthority RotateMode = "authority"
	RotateMember    RotateMode = "member"
)

// RotateReport summarizes a completed rotation.
type RotateReport struct {
	Mode        RotateMode
	Fingerprint string
	Rebuilt     int // authority: synthetic ops regenerated from live rows
	Pushed      int // authority: ops pushed under the new key
	Applied     int // member: ops applied from the fresh pull
}

// Rotate swaps the encryption key and resynchronizes the shared log.
// The new key is verified before any state changes; an invalid key
// aborts with the store untouched. Rotation excludes in-flight pushes
// and pulls by taking both cycle locks.
//
// Authority mode clears the local op log, regenerates one create
// operation per live row, swaps the key, and pushes everything under
// it. Member mode discards all local state, swaps the key, and pulls
// the authority's log from cursor zero.
func (e *Engine) Rotate(ctx context.Context, mode RotateMode, newKey string) (RotateReport, error) {
	if !secrets.VerifyKey(newKey) {
		return RotateReport{}, fmt.Errorf("engine: rotation aborted: %w", secrets.ErrInvalidKey)
	}

	key, err := secrets.ImportKey(newKey)
	if err != nil {
		return RotateReport{}, fmt.Errorf("engine: rotation aborted: %w", err)
	}

	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	switch mode {
	case RotateAuthority:
		return e.rotateAuthority(ctx, key)
	case RotateMember:
		return e.rotateMember(ctx, key)
	default:
		return RotateReport{}, fmt.Errorf("engine: unknown rotation mode %q", mode)
	}
}

func (e *Engine) rotateAuthority(ctx context.Context, key *secrets.Key) (RotateReport, error) {
	rebuilt, err := e.store.RebuildForAuthority(ctx)
	if err != nil {
		return RotateReport{}, e.fail("rotate", err)
	}

	e.swapKey(key)

	e.logger.Info("rotating as authority",
		slog.Int("rows", rebuilt),
		slog.String("fingerprint", key.Fingerprint()),
	)

	report, err := e.pushLocked(ctx)
	if err != nil {
		return RotateReport{}, err
	}

	return RotateReport{
		Mode:        RotateAuthority,
		Fingerprint: key.Fingerprint(),
		Rebuilt:     rebuilt,
		Pushed:      report.Pushed,
	}, nil
}

func (e *Engine) rotateMember(ctx context.Context, key *secrets.Key) (RotateReport, error) {
	if err := e.store.ClearForMember(ctx); err != nil {
		return RotateReport{}, e.fail("rotate", err)
	}

	e.swapKey(key)

	e.logger.Info("rotating as member", slog.String("fingerprint", key.Fingerprint()))

	report, err := e.pullLocked(ctx)
	if err != nil {
		return RotateReport{}, err
	}

	return RotateReport{
		Mode:        RotateMember,
		Fingerprint: key.Fingerprint(),
		Applied:     report.Applied,
	}, nil
}

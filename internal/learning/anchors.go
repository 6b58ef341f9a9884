package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"tx/internal/store"
	"tx/internal/txerr"
)

// AnchorInput pins a learning to a code location.
type AnchorInput struct {
	LearningID   string
	AnchorType   string
	FilePath     string
	SymbolFQName *string
	LineStart    *int
	LineEnd      *int
	Pinned       bool
}

// AnchorSummary aggregates anchor counts by status.
type AnchorSummary struct {
	Valid   int `json:"valid"`
	Drifted int `json:"drifted"`
	Invalid int `json:"invalid"`
	Pinned  int `json:"pinned"`
}

// AddAnchor creates an anchor, hashing the anchored span when the file
// is readable so later verification can detect drift.
func (svc *Service) AddAnchor(ctx context.Context, in AnchorInput) (*store.Anchor, error) {
	if _, err := svc.store.GetLearning(ctx, in.LearningID); err != nil {
		return nil, err
	}
	if in.FilePath == "" {
		return nil, txerr.New(txerr.CodeValidationError, "anchor filePath must not be empty")
	}
	a := &store.Anchor{
		LearningID:   in.LearningID,
		AnchorType:   in.AnchorType,
		FilePath:     in.FilePath,
		SymbolFQName: in.SymbolFQName,
		LineStart:    in.LineStart,
		LineEnd:      in.LineEnd,
		Status:       store.AnchorValid,
		Pinned:       in.Pinned,
	}
	if hash, ok := hashSpan(in.FilePath, in.LineStart, in.LineEnd); ok {
		a.ContentHash = &hash
		now := svc.now()
		a.VerifiedAt = &now
	}
	return svc.store.InsertAnchor(ctx, a)
}

// GetAnchor returns one anchor.
func (svc *Service) GetAnchor(ctx context.Context, id int64) (*store.Anchor, error) {
	return svc.store.GetAnchor(ctx, id)
}

// Anchors lists anchors for a learning.
func (svc *Service) Anchors(ctx context.Context, learningID string) ([]*store.Anchor, error) {
	return svc.store.AnchorsByLearning(ctx, learningID)
}

// InvalidateAnchor flips an anchor's status and appends to the
// invalidation log. A no-op when the status is unchanged.
func (svc *Service) InvalidateAnchor(ctx context.Context, id int64, status store.AnchorStatus, reason string) error {
	if _, err := svc.store.GetAnchor(ctx, id); err != nil {
		return err
	}
	return svc.store.SetAnchorStatus(ctx, id, status, reason, svc.now())
}

// AnchorHistory returns the append-only invalidation log for an anchor.
func (svc *Service) AnchorHistory(ctx context.Context, anchorID int64) ([]*store.AnchorInvalidation, error) {
	if _, err := svc.store.GetAnchor(ctx, anchorID); err != nil {
		return nil, err
	}
	return svc.store.AnchorInvalidations(ctx, anchorID)
}

// VerifyAnchors re-hashes every anchored span. Missing files mark the
// anchor invalid, changed content marks it drifted, matches refresh
// verifiedAt. Returns the post-verification summary.
func (svc *Service) VerifyAnchors(ctx context.Context) (*AnchorSummary, error) {
	anchors, err := svc.store.AllAnchors(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range anchors {
		status := verifyOne(a)
		if status == a.Status {
			if status == store.AnchorValid {
				if err := svc.store.MarkAnchorVerified(ctx, a.ID, svc.now()); err != nil {
					return nil, err
				}
			}
			continue
		}
		reason := "content hash changed"
		if status == store.AnchorInvalid {
			reason = "file missing or unreadable"
		} else if status == store.AnchorValid {
			reason = "content restored"
		}
		if err := svc.store.SetAnchorStatus(ctx, a.ID, status, reason, svc.now()); err != nil {
			return nil, err
		}
		if status == store.AnchorValid {
			if err := svc.store.MarkAnchorVerified(ctx, a.ID, svc.now()); err != nil {
				return nil, err
			}
		}
	}
	return svc.AnchorStatusSummary(ctx)
}

// AnchorStatusSummary aggregates anchor counts by state.
func (svc *Service) AnchorStatusSummary(ctx context.Context) (*AnchorSummary, error) {
	anchors, err := svc.store.AllAnchors(ctx)
	if err != nil {
		return nil, err
	}
	sum := &AnchorSummary{}
	for _, a := range anchors {
		switch a.Status {
		case store.AnchorValid:
			sum.Valid++
		case store.AnchorDrifted:
			sum.Drifted++
		case store.AnchorInvalid:
			sum.Invalid++
		}
		if a.Pinned {
			sum.Pinned++
		}
	}
	return sum, nil
}

func verifyOne(a *store.Anchor) store.AnchorStatus {
	hash, ok := hashSpan(a.FilePath, a.LineStart, a.LineEnd)
	if !ok {
		return store.AnchorInvalid
	}
	if a.ContentHash != nil && *a.ContentHash != hash {
		return store.AnchorDrifted
	}
	return store.AnchorValid
}

// hashSpan hashes the anchored line range, or the whole file when no
// range is set. Lines are 1-based and inclusive.
func hashSpan(path string, lineStart, lineEnd *int) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	text := string(data)
	if lineStart != nil {
		lines := strings.Split(text, "\n")
		start := *lineStart - 1
		end := len(lines)
		if lineEnd != nil && *lineEnd < end {
			end = *lineEnd
		}
		if start < 0 || start >= len(lines) || start >= end {
			return "", false
		}
		text = strings.Join(lines[start:end], "\n")
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), true
}

package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"peerlink/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// appendWork adds work to its session, creating the session if needed, and
// returns the session id. Store writes happen under c.mu so saves never
// overtake each other.
func (c *Coordinator) appendWork(ctx context.Context, work store.Work) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.sessionFor(work)
	if err != nil {
		return "", err
	}
	work.SessionID = sess.ID
	sess.Operations = append(sess.Operations, work)
	if err := c.store.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("saving session: %w", err)
	}
	return sess.ID, nil
}

// sessionFor must be called with c.mu held.
func (c *Coordinator) sessionFor(work store.Work) (*store.Session, error) {
	if work.SessionID != "" {
		if sess, ok := c.sessions[work.SessionID]; ok {
			if !sess.Active() {
				return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sess.ID)
			}
			return sess, nil
		}
		return c.newSession(work.SessionID, work.Subject), nil
	}

	if sess, ok := c.sessions[c.activeID]; ok && sess.Active() {
		return sess, nil
	}
	sess := c.newSession("session_"+uuid.NewString(), work.Subject)
	c.activeID = sess.ID
	return sess, nil
}

func (c *Coordinator) newSession(id, subject string) *store.Session {
	sess := &store.Session{
		ID:         id,
		Subject:    subject,
		StartTime:  time.Now(),
		Operations: []store.Work{},
		Outcomes:   []store.Result{},
	}
	c.sessions[id] = sess
	c.logger.Info("session started", zap.String("session_id", id), zap.String("subject", subject))
	return sess
}

func (c *Coordinator) appendOutcomes(ctx context.Context, sessionID string, results ...store.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.Outcomes = append(sess.Outcomes, results...)
	if err := c.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// RecordOutcome appends a result the caller selected or applied. Ended
// sessions still accept outcomes.
func (c *Coordinator) RecordOutcome(ctx context.Context, sessionID string, result store.Result) error {
	return c.appendOutcomes(ctx, sessionID, result)
}

// EndSession marks the session ended. Ending an ended session is a no-op.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !sess.Active() {
		return nil
	}
	now := time.Now()
	sess.EndTime = &now
	if c.activeID == sessionID {
		c.activeID = ""
	}
	if err := c.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	c.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.Int("operations", len(sess.Operations)),
		zap.Int("outcomes", len(sess.Outcomes)),
	)
	return nil
}

// Session returns a snapshot of the session.
func (c *Coordinator) Session(sessionID string) (*store.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ActiveSessions returns snapshots of every session not yet ended, oldest
// first.
func (c *Coordinator) ActiveSessions() []*store.Session {
	c.mu.Lock()
	out := make([]*store.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		if sess.Active() {
			out = append(out, sess.Clone())
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Outcomes returns a copy of the session's outcome list, or nil if the
// session is unknown.
func (c *Coordinator) Outcomes(sessionID string) []store.Result {
	sess, ok := c.Session(sessionID)
	if !ok {
		return nil
	}
	return sess.Outcomes
}

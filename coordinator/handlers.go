package coordinator

import (
	"context"
	"errors"
	"time"

	"peerlink/message"
	"peerlink/server"
	"peerlink/store"
)

// recentOutcomes is how many outcomes get_suggestions returns.
const recentOutcomes = 5

// RegisterHandlers exposes the coordinator to other agents on srv:
// process_work, get_suggestions, get_session_status, get_active_sessions,
// apply_fix and end_session.
func (c *Coordinator) RegisterHandlers(srv *server.Server) error {
	_, err := srv.RegisterService(&rpcService{c: c})
	return err
}

type rpcService struct {
	c *Coordinator
}

func (s *rpcService) ProcessWork(ctx context.Context, req *message.Request) (map[string]any, error) {
	var work store.Work
	if err := DecodeParam(req.Params, "work", &work); err != nil {
		return nil, message.Errorf(message.CodeInvalidParams, "%v", err)
	}

	start := time.Now()
	sessionID, results, err := s.c.submit(ctx, work)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"suggestions":     SuggestionMaps(results),
		"session_id":      sessionID,
		"processing_time": time.Since(start).Seconds(),
	}, nil
}

func (s *rpcService) GetSuggestions(ctx context.Context, req *message.Request) (map[string]any, error) {
	id, _ := req.Params["session_id"].(string)
	sess, ok := s.c.Session(id)
	if !ok {
		return map[string]any{"suggestions": []any{}, "session_status": "not_found"}, nil
	}

	outcomes := sess.Outcomes
	if len(outcomes) > recentOutcomes {
		outcomes = outcomes[len(outcomes)-recentOutcomes:]
	}
	status := "active"
	if !sess.Active() {
		status = "ended"
	}
	return map[string]any{"suggestions": SuggestionMaps(outcomes), "session_status": status}, nil
}

func (s *rpcService) GetSessionStatus(ctx context.Context, req *message.Request) (map[string]any, error) {
	id, _ := req.Params["session_id"].(string)
	sess, ok := s.c.Session(id)
	if !ok {
		return nil, message.Errorf(message.CodeHandlerError, "session %q not found", id)
	}
	return sessionSummary(sess), nil
}

func (s *rpcService) GetActiveSessions(ctx context.Context, req *message.Request) (map[string]any, error) {
	active := s.c.ActiveSessions()
	sessions := make([]any, len(active))
	for i, sess := range active {
		sessions[i] = sessionSummary(sess)
	}
	return map[string]any{"sessions": sessions}, nil
}

// ApplyFix records the fix a user chose in the session's outcomes. Changing
// code is up to the caller.
func (s *rpcService) ApplyFix(ctx context.Context, req *message.Request) (map[string]any, error) {
	id, _ := req.Params["session_id"].(string)
	if id == "" {
		return nil, message.Errorf(message.CodeInvalidParams, "missing session_id")
	}

	var fix store.Result
	err := DecodeParam(req.Params, "fix", &fix)
	if err != nil {
		if legacy, ok := req.Params["fix_suggestion"].(map[string]any); ok {
			if parsed := parseSuggestions(req.Source, map[string]any{"suggestions": []any{legacy}}); len(parsed) == 1 {
				fix, err = parsed[0], nil
			}
		}
	}
	if err != nil {
		return nil, message.Errorf(message.CodeInvalidParams, "%v", err)
	}
	if fix.Source == "" {
		fix.Source = req.Source
	}

	if err := s.c.RecordOutcome(ctx, id, fix); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return map[string]any{"success": false, "message": err.Error()}, nil
		}
		return nil, err
	}
	return map[string]any{"success": true, "message": "Fix recorded"}, nil
}

func (s *rpcService) EndSession(ctx context.Context, req *message.Request) (map[string]any, error) {
	id, _ := req.Params["session_id"].(string)
	if err := s.c.EndSession(ctx, id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, message.Errorf(message.CodeHandlerError, "%v", err)
		}
		return nil, err
	}
	return map[string]any{"session_id": id, "ended": true}, nil
}

func sessionSummary(sess *store.Session) map[string]any {
	m := map[string]any{
		"session_id":      sess.ID,
		"subject":         sess.Subject,
		"start_time":      sess.StartTime.Format(time.RFC3339Nano),
		"active":          sess.Active(),
		"operation_count": len(sess.Operations),
		"outcome_count":   len(sess.Outcomes),
	}
	if sess.EndTime != nil {
		m["end_time"] = sess.EndTime.Format(time.RFC3339Nano)
	}
	return m
}

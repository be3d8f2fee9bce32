package redis

import (
	"fmt"
	"strconv"

	"github.com/mitsimi/oxitrack/internal/models"
	"github.com/mitsimi/oxitrack/internal/store"
)

// parseSession converts a Redis hash to a Session
func parseSession(id int64, data map[string]string) (*models.Session, error) {
	if len(data) == 0 {
		return nil, store.ErrSessionNotFound
	}

	startTime, err := strconv.ParseInt(data["start_time"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	lastHeartbeat, err := strconv.ParseInt(data["last_heartbeat"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
	}

	session := &models.Session{
		ID:            id,
		ProjectHandle: data["project_handle"],
		StartTime:     startTime,
		LastHeartbeat: lastHeartbeat,
	}

	if raw, ok := data["end_time"]; ok && raw != "" {
		endTime, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		session.EndTime = &endTime
	}

	return session, nil
}

func parseIDs(members []string) ([]int64, error) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session id %q in index: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

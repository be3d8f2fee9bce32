package models

// Session is a contiguous span of coding activity for one project.
// All timestamps are unix epoch seconds supplied by the heartbeat sender.
type Session struct {
	ID            int64
	ProjectHandle string
	StartTime     int64
	LastHeartbeat int64
	EndTime       *int64 // nil while the session is open
}

// IsOpen returns true if the session has not been closed yet.
func (s *Session) IsOpen() bool {
	return s.EndTime == nil
}

// DurationAt returns the span from the session start to ts, never negative.
func (s *Session) DurationAt(ts int64) int64 {
	if ts < s.StartTime {
		return 0
	}
	return ts - s.StartTime
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	clone := *s
	if s.EndTime != nil {
		end := *s.EndTime
		clone.EndTime = &end
	}
	return &clone
}

package scheduler

import (
	"time"

	"cronhub/internal/eventbus"
	"cronhub/internal/executor"
	"cronhub/internal/jobs"
	"cronhub/internal/storage"
	logx "cronhub/pkg/logx"
)

const failWarnThrottle = 5 * time.Second

// FireEvent is the payload of fire.* and trigger.reclaimed events.
type FireEvent struct {
	Key       jobs.Key      `json:"key"`
	FireID    string        `json:"fire_id,omitempty"`
	Type      jobs.Type     `json:"type,omitempty"`
	Manual    bool          `json:"manual,omitempty"`
	Scheduled time.Time     `json:"scheduled,omitempty"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (s *Service) fireEvent(f storage.Fire, out *executor.Outcome) FireEvent {
	ev := FireEvent{
		Key:       f.Trigger.Key,
		FireID:    f.ID,
		Type:      f.Job.Type,
		Manual:    f.Manual,
		Scheduled: f.Plan.Scheduled,
		At:        s.now(),
	}
	if out != nil {
		ev.Took = out.Took
		ev.Summary = out.Summary
		if out.Err != nil {
			ev.Error = out.Err.Error()
		}
	}
	return ev
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// warnLimited logs at warn at most once per failWarnThrottle per key. Repeats
// inside the window are counted and reported as "suppressed" on the next warn
// line, so a job failing every second cannot flood the log.
func (s *Service) warnLimited(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.wmu.Lock()
	w := s.lastWarn[key]
	if !w.at.IsZero() && now.Sub(w.at) < failWarnThrottle {
		w.suppressed++
		s.lastWarn[key] = w
		s.wmu.Unlock()
		return
	}
	s.lastWarn[key] = warnState{at: now}
	if len(s.lastWarn) > 4096 {
		for k, v := range s.lastWarn {
			if now.Sub(v.at) >= failWarnThrottle {
				delete(s.lastWarn, k)
			}
		}
	}
	s.wmu.Unlock()

	if w.suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", w.suppressed))
	}
	s.log.Warn(msg, fields...)
}

package app

import (
	"time"

	"gitlogbot/internal/watcher"
)

// Status is the document served at /status by the debug server.
type Status struct {
	Running   bool          `json:"running"`
	State     string        `json:"state"`
	Repos     int           `json:"repos"`
	LastCycle *CycleStatus  `json:"last_cycle,omitempty"`
	Goroutine GoroutineInfo `json:"goroutines"`
}

type CycleStatus struct {
	Started  time.Time    `json:"started"`
	Duration string       `json:"duration"`
	Repos    []RepoStatus `json:"repos"`
}

type RepoStatus struct {
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Outcome   string `json:"outcome"`
	Delivered int    `json:"delivered,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GoroutineInfo struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (a *App) status() any {
	st := Status{
		Running: a.ctrl.Running(),
		State:   a.ctrl.State().String(),
		Repos:   a.reg.Len(),
	}
	if a.sup != nil {
		c := a.sup.Counters()
		st.Goroutine = GoroutineInfo{Active: c.Active, Started: c.Started}
	}
	if last := a.loop.LastCycle(); !last.Started.IsZero() {
		st.LastCycle = cycleStatus(last)
	}
	return st
}

func cycleStatus(rep watcher.CycleReport) *CycleStatus {
	cs := &CycleStatus{Started: rep.Started, Duration: rep.Duration.String()}
	for _, r := range rep.Repos {
		rs := RepoStatus{
			Repo:      r.Repo,
			Branch:    r.Branch,
			Outcome:   string(r.Outcome),
			Delivered: r.Delivered,
			Cursor:    r.Cursor,
		}
		if r.Err != nil {
			rs.Error = r.Err.Error()
		}
		cs.Repos = append(cs.Repos, rs)
	}
	return cs
}

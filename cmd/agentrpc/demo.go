package main

import (
	"sync"
	"time"

	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/wire"
)

// demo is the root served by the serve command.
type demo struct {
	started time.Time
	clock   *clock
	sched   *scheduler
}

func newDemo() *demo { return &demo{started: time.Now(), clock: new(clock), sched: new(scheduler)} }

func (d *demo) Echo(msg string) string { return msg }

func (d *demo) Whoami(from wire.Address) string { return string(from) }

func (d *demo) Uptime() time.Duration { return time.Since(d.started).Round(time.Millisecond) }

func (d *demo) Clock() *clock { return d.clock }

func (d *demo) Scheduler() *scheduler { return d.sched }

type clock struct{}

func (*clock) Now() time.Time { return time.Now().UTC() }

func (*clock) Zone(name string) (string, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return "", wire.Errorf(wire.NotFound, "unknown zone %q", name)
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

type scheduler struct {
	μ    sync.Mutex
	jobs []string
}

func (s *scheduler) Schedule(job string) int {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.jobs = append(s.jobs, job)
	return len(s.jobs)
}

func (s *scheduler) Pending() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.jobs)
}

func (s *scheduler) Drain() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := s.jobs
	s.jobs = nil
	return out
}

// demoRegistry returns the dispatch tables for the demo root. The
// scheduler's schedule method is declared but unavailable to callers.
func demoRegistry() *dispatch.Registry {
	reg := dispatch.NewRegistry(nil)
	dispatch.Define[*demo](reg, dispatch.Spec{
		Name:   "Demo",
		Access: dispatch.Public,
		Methods: []dispatch.MethodSpec{
			{Name: "echo", Doc: "Return the message.", Params: []dispatch.Param{dispatch.Arg("msg")}, Func: (*demo).Echo},
			{Name: "whoami", Doc: "Report the caller's address.", Params: []dispatch.Param{dispatch.FromSender()}, Func: (*demo).Whoami},
			{Name: "uptime", Doc: "Report how long the agent has run.", Func: (*demo).Uptime},
		},
		Namespaces: []dispatch.NamespaceSpec{
			{Name: "clock", Func: (*demo).Clock},
			{Name: "scheduler", Func: (*demo).Scheduler},
		},
	})
	dispatch.Define[*clock](reg, dispatch.Spec{
		Access: dispatch.Public,
		Methods: []dispatch.MethodSpec{
			{Name: "now", Doc: "Report the current UTC time.", Func: (*clock).Now},
			{Name: "zone", Doc: "Report the current time in a zone.", Params: []dispatch.Param{dispatch.Arg("name")}, Func: (*clock).Zone},
		},
	})
	dispatch.Define[*scheduler](reg, dispatch.Spec{
		Access: dispatch.Unavailable,
		Tag:    "admin",
		Methods: []dispatch.MethodSpec{
			{Name: "schedule", Params: []dispatch.Param{dispatch.Arg("job")}, Func: (*scheduler).Schedule},
			{Name: "pending", Doc: "Report the number of pending jobs.", Access: dispatch.Public, Func: (*scheduler).Pending},
			{Name: "drain", Doc: "Remove and report all pending jobs.", Access: dispatch.Private, Func: (*scheduler).Drain},
		},
	})
	return reg
}

package adapter

import (
	"testing"

	"matbtrainer/internal/sim"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type panicPause struct{ sim.Monitoring }

func (p *panicPause) IsPaused() bool { panic("boom") }

func TestRegisterReportsAllFour(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())

	commRef := NewRef[CommTask](sim.NewComm(nil, false))
	monRef := &Ref[MonitoringTask]{}
	ok := r.Register(Handles{
		Comm:       commRef,
		Monitoring: monRef,
		Tracking:   NewRef[TrackingTask](sim.NewTracking()),
	})
	if ok {
		t.Fatal("Register should fail with missing handles")
	}
	if got := r.Availability(workload.Comm); got != Present {
		t.Fatalf("comm availability = %v", got)
	}
	if got := r.Availability(workload.Monitoring); got != Absent {
		t.Fatalf("monitoring availability = %v, want absent (invalid handle not stored)", got)
	}
	if got := r.Availability(workload.Resource); got != Absent {
		t.Fatalf("resource availability = %v", got)
	}

	ok = r.Register(Handles{
		Comm:       commRef,
		Monitoring: NewRef[MonitoringTask](sim.NewMonitoring()),
		Tracking:   NewRef[TrackingTask](sim.NewTracking()),
		Resource:   NewRef[ResourceTask](sim.NewResource()),
	})
	if !ok {
		t.Fatal("Register should succeed with four live handles")
	}

	commRef.Clear()
	if got := r.Availability(workload.Comm); got != Unavailable {
		t.Fatalf("cleared comm availability = %v, want unavailable", got)
	}
}

func TestPauseAllResumeAll(t *testing.T) {
	t.Parallel()
	comm := sim.NewComm(nil, false)
	mon := sim.NewMonitoring()
	r := NewRegistry(logx.Nop())
	r.Register(Handles{
		Comm:       NewRef[CommTask](comm),
		Monitoring: NewRef[MonitoringTask](mon),
		Tracking:   NewRef[TrackingTask](sim.NewTracking()),
		Resource:   NewRef[ResourceTask](sim.NewResource()),
	})

	mon.TogglePause() // already paused; PauseAll must not flip it back
	if !r.PauseAll() {
		t.Fatal("PauseAll = false")
	}
	for _, task := range workload.Tasks() {
		if !r.Paused(task) {
			t.Fatalf("%s not paused", task)
		}
	}
	if !r.ResumeAll() {
		t.Fatal("ResumeAll = false")
	}
	if r.Paused(workload.Comm) || r.Paused(workload.Monitoring) {
		t.Fatal("tasks still paused after ResumeAll")
	}

	paused, ok := r.TogglePause(workload.Comm)
	if !ok || !paused || !comm.IsPaused() {
		t.Fatalf("TogglePause = (%v, %v)", paused, ok)
	}
}

func TestPausedSurvivesPanickingCollaborator(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	r.Register(Handles{Monitoring: NewRef[MonitoringTask](&panicPause{})})
	if r.Paused(workload.Monitoring) {
		t.Fatal("panicking pause query should count as not paused")
	}
	if r.PauseAll() {
		t.Fatal("PauseAll should report failure for a panicking collaborator")
	}
}

type fixedComm struct{}

func (fixedComm) TriggerCall(workload.CommConfig) error { return nil }

func TestPauseAllReportsMissingOrUnpausable(t *testing.T) {
	t.Parallel()
	if NewRegistry(logx.Nop()).PauseAll() {
		t.Fatal("PauseAll with no collaborators = true")
	}

	mon := sim.NewMonitoring()
	r := NewRegistry(logx.Nop())
	r.Register(Handles{
		Comm:       NewRef[CommTask](fixedComm{}),
		Monitoring: NewRef[MonitoringTask](mon),
		Tracking:   NewRef[TrackingTask](sim.NewTracking()),
		Resource:   NewRef[ResourceTask](sim.NewResource()),
	})
	if r.PauseAll() {
		t.Fatal("PauseAll = true with an unpausable comm collaborator")
	}
	if !mon.IsPaused() {
		t.Fatal("pausable collaborators should still be paused")
	}
	if r.ResumeAll() {
		t.Fatal("ResumeAll = true with an unpausable comm collaborator")
	}
	if mon.IsPaused() {
		t.Fatal("monitoring still paused after ResumeAll")
	}
}

package input

import (
	"testing"

	"github.com/jvastola/theta/pkg/engine"
)

// fakeSource returns a scripted sample.
type fakeSource struct {
	sample Sample
	ok     bool
}

func (f *fakeSource) Poll() (Sample, bool) { return f.sample, f.ok }

func TestRig_WritesComponents(t *testing.T) {
	w := engine.NewWorld()
	src := &fakeSource{
		sample: Sample{
			Head: TrackedPose{Pose: Pose{Position: [3]float32{0, 1.7, 0}}, Tracked: true},
			Controllers: [2]ControllerState{
				{Trigger: 0.5, Tracked: true},
				{Buttons: 0b10, Tracked: true},
			},
		},
		ok: true,
	}
	rig := NewRig(w, src)

	sys := rig.System()
	if sys.Stage != engine.StageStartup {
		t.Errorf("stage = %v, want startup (before Simulation)", sys.Stage)
	}
	if err := sys.Fn(w); err != nil {
		t.Fatal(err)
	}

	head, ok := engine.Get[TrackedPose](w, rig.Head)
	if !ok || !head.Tracked || head.Pose.Position[1] != 1.7 {
		t.Errorf("head = %+v ok=%v", head, ok)
	}

	left, ok := engine.Get[ControllerState](w, rig.Controllers[0])
	if !ok || left.Hand != HandLeft || left.Trigger != 0.5 {
		t.Errorf("left = %+v ok=%v", left, ok)
	}
	right, ok := engine.Get[ControllerState](w, rig.Controllers[1])
	if !ok || right.Hand != HandRight || right.Buttons != 0b10 {
		t.Errorf("right = %+v ok=%v", right, ok)
	}
}

func TestRig_NoSampleNoWrite(t *testing.T) {
	w := engine.NewWorld()
	rig := NewRig(w, &fakeSource{ok: false})

	if err := rig.System().Fn(w); err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.Get[TrackedPose](w, rig.Head); ok {
		t.Error("component written despite missing sample")
	}
}

func TestRig_ReplacesEachFrame(t *testing.T) {
	w := engine.NewWorld()
	src := &fakeSource{ok: true}
	rig := NewRig(w, src)

	src.sample.Head.Pose.Position = [3]float32{1, 0, 0}
	if err := rig.System().Fn(w); err != nil {
		t.Fatal(err)
	}
	src.sample.Head.Pose.Position = [3]float32{2, 0, 0}
	if err := rig.System().Fn(w); err != nil {
		t.Fatal(err)
	}

	head, _ := engine.Get[TrackedPose](w, rig.Head)
	if head.Pose.Position[0] != 2 {
		t.Errorf("head X = %v, want 2 (replaced)", head.Pose.Position[0])
	}
	if n := len(engine.Entries[TrackedPose](w)); n != 1 {
		t.Errorf("pose entries = %d, want 1", n)
	}
}

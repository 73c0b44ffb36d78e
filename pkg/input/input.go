// Package input publishes VR headset and controller state into the world as
// components, once per frame before the Simulation stage. The hardware
// integration lives outside the core; it satisfies PoseSource.
package input

import (
	"github.com/jvastola/theta/pkg/engine"
)

// Hand identifies a controller.
type Hand uint8

const (
	HandLeft Hand = iota
	HandRight
)

// Pose is a position and orientation sample.
type Pose struct {
	Position    [3]float32 `json:"position"`
	Orientation [4]float32 `json:"orientation"`
}

// TrackedPose is the headset pose component, replaced every frame.
type TrackedPose struct {
	Pose    Pose `json:"pose"`
	Tracked bool `json:"tracked"`
}

// ControllerState is the per-hand controller component.
type ControllerState struct {
	Hand    Hand    `json:"hand"`
	Pose    Pose    `json:"pose"`
	Buttons uint32  `json:"buttons"`
	Trigger float32 `json:"trigger"`
	Grip    float32 `json:"grip"`
	Tracked bool    `json:"tracked"`
}

// Sample is one frame of device state from the hardware collaborator.
type Sample struct {
	Head        TrackedPose
	Controllers [2]ControllerState
}

// PoseSource supplies the current device sample. Poll must not block.
type PoseSource interface {
	Poll() (Sample, bool)
}

// Rig owns the local player's entity handles.
type Rig struct {
	Head        engine.Handle
	Controllers [2]engine.Handle
	source      PoseSource
}

// NewRig spawns the local rig entities and remembers the source.
func NewRig(w *engine.World, source PoseSource) *Rig {
	r := &Rig{source: source}
	r.Head = w.Spawn()
	r.Controllers[0] = w.Spawn()
	r.Controllers[1] = w.Spawn()
	return r
}

// System returns the Startup-stage system that writes the latest sample into
// the world before Simulation runs.
func (r *Rig) System() engine.System {
	return engine.System{
		Stage:  engine.StageStartup,
		Name:   "vr-input",
		Access: engine.ReadWrite,
		Fn: func(w *engine.World) error {
			if r.source == nil {
				return nil
			}
			sample, ok := r.source.Poll()
			if !ok {
				return nil
			}
			if err := engine.Insert(w, r.Head, sample.Head); err != nil {
				return err
			}
			for i, h := range r.Controllers {
				state := sample.Controllers[i]
				state.Hand = Hand(i)
				if err := engine.Insert(w, h, state); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

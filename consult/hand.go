package consult

import (
	"math"
)

const HandLandmarkCount = 21

// mediapipe landmark indexes used by the interpreter
const (
	landmarkWrist     = 0
	landmarkThumbIp   = 3
	landmarkThumbTip  = 4
	landmarkIndexMcp  = 5
	landmarkIndexPip  = 6
	landmarkIndexTip  = 8
	landmarkMiddlePip = 10
	landmarkMiddleTip = 12
	landmarkRingPip   = 14
	landmarkRingTip   = 16
	landmarkPinkyPip  = 18
	landmarkPinkyTip  = 20
)

type Gesture = string

const (
	GestureNone     Gesture = ""
	GestureFist     Gesture = "fist"
	GesturePointing Gesture = "pointing"
	GesturePinch    Gesture = "pinch"
	GestureOpenHand Gesture = "open_hand"
	GesturePeace    Gesture = "peace"
)

// one tracking frame, normalized at the protocol boundary
type HandFrame struct {
	Clear      bool
	CapturedAt int64
	Hands      []*HandPose
}

// hands are matched frame to frame by reported handedness
func (self *HandFrame) Hand(handedness string) *HandPose {
	for _, hand := range self.Hands {
		if hand.Handedness == handedness {
			return hand
		}
	}
	return nil
}

// landmark coordinates are normalized to [0, 1] in both axes
type HandPose struct {
	Landmarks  []Vec3
	Handedness string
}

func (self *HandPose) Complete() bool {
	return HandLandmarkCount <= len(self.Landmarks)
}

func (self *HandPose) Wrist() Vec3 {
	return self.Landmarks[landmarkWrist]
}

func (self *HandPose) PinchDistance() float64 {
	return dist2(self.Landmarks[landmarkThumbTip], self.Landmarks[landmarkIndexTip])
}

func (self *HandPose) PinchCenter() Vec3 {
	return midpoint(self.Landmarks[landmarkThumbTip], self.Landmarks[landmarkIndexTip])
}

func (self *HandPose) PalmCenter() Vec3 {
	return midpoint(self.Landmarks[landmarkWrist], self.Landmarks[landmarkIndexMcp])
}

type PinchSettings struct {
	// thumb tip to index tip distance above this is never a pinch
	MaxDistance float64
	// distances below this are tracking noise, not a pinch
	MinDistance float64
	// below this the distance alone corroborates the pinch
	RelaxedDistance float64
	// below this the pinch always counts, floor included
	OverrideDistance float64
}

func DefaultPinchSettings() *PinchSettings {
	return &PinchSettings{
		MaxDistance:      0.07,
		MinDistance:      0.01,
		RelaxedDistance:  0.035,
		OverrideDistance: 0.025,
	}
}

// a pinch needs a close thumb and index tip plus one corroborating signal,
// either a bent thumb, a curled index, or a very small distance
func (self *HandPose) Pinching(settings *PinchSettings) bool {
	if !self.Complete() {
		return false
	}
	d := self.PinchDistance()
	thumbBent := self.Landmarks[landmarkThumbTip].X < self.Landmarks[landmarkThumbIp].X
	indexCurled := self.Landmarks[landmarkIndexTip].Y > self.Landmarks[landmarkIndexPip].Y
	pinching := settings.MinDistance < d && d < settings.MaxDistance &&
		(thumbBent || indexCurled || d < settings.RelaxedDistance)
	if d < settings.OverrideDistance {
		pinching = true
	}
	return pinching
}

func (self *HandPose) Gesture() Gesture {
	if !self.Complete() {
		return GestureNone
	}
	extended := self.extendedFingers()
	count := 0
	for _, e := range extended {
		if e {
			count += 1
		}
	}
	switch {
	case count == 0:
		return GestureFist
	case count == 1 && extended[1]:
		return GesturePointing
	case count == 2 && extended[0] && extended[1]:
		return GesturePinch
	case count == 5:
		return GestureOpenHand
	case count == 2 && extended[1] && extended[2]:
		return GesturePeace
	}
	return GestureNone
}

// thumb extension checks x, the other fingers check tip above pip
func (self *HandPose) extendedFingers() [5]bool {
	tips := [5]int{landmarkThumbTip, landmarkIndexTip, landmarkMiddleTip, landmarkRingTip, landmarkPinkyTip}
	pips := [5]int{landmarkThumbIp, landmarkIndexPip, landmarkMiddlePip, landmarkRingPip, landmarkPinkyPip}
	var extended [5]bool
	extended[0] = self.Landmarks[tips[0]].X > self.Landmarks[pips[0]].X
	for i := 1; i < 5; i += 1 {
		extended[i] = self.Landmarks[tips[i]].Y < self.Landmarks[pips[i]].Y
	}
	return extended
}

// distance in the image plane, z ignored
func dist2(a Vec3, b Vec3) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func midpoint(a Vec3, b Vec3) Vec3 {
	return Vec3{
		X: (a.X + b.X) / 2,
		Y: (a.Y + b.Y) / 2,
		Z: (a.Z + b.Z) / 2,
	}
}

package consult

import (
	"math"
	"strings"

	"github.com/golang/glog"
)

type RotationAxis = string

const (
	AxisX RotationAxis = "x"
	AxisY RotationAxis = "y"
)

type InterpreterSettings struct {
	Pinch *PinchSettings
	// grab radius around the projected object center, normalized units
	HitRadiusMin   float64
	HitRadiusScale float64
	// wrist travel below this is jitter, not rotation
	RotationThreshold float64
	// radians per normalized unit of wrist travel
	RotationSensitivity float64
}

func DefaultInterpreterSettings() *InterpreterSettings {
	return &InterpreterSettings{
		Pinch:               DefaultPinchSettings(),
		HitRadiusMin:        0.06,
		HitRadiusScale:      0.09,
		RotationThreshold:   0.004,
		RotationSensitivity: 10.0,
	}
}

// grab states form a small sealed union
// the state value is the complete machine memory between frames
type GrabState interface {
	grabState()
}

// nothing held
type GrabIdle struct{}

// one pinching hand dragging an object in its depth plane
type GrabSingle struct {
	ObjectId string
	Hand     string
	// world offset between the object center and the unprojected pinch
	OffsetX float64
	OffsetY float64
}

// both hands pinching the same object, their distance drives the scale
type GrabTwoHand struct {
	ObjectId        string
	InitialDistance float64
	InitialScale    float64
}

// one hand released out of a two hand grab and now steers rotation
type GrabRotate struct {
	ObjectId   string
	Anchor     string
	Controller string
	Axis       RotationAxis
	LastWristX float64
	LastWristY float64
}

func (self *GrabIdle) grabState()    {}
func (self *GrabSingle) grabState()  {}
func (self *GrabTwoHand) grabState() {}
func (self *GrabRotate) grabState()  {}

type StepResult struct {
	// the scene changed and needs a rebroadcast
	Changed bool
}

// advance the machine by one tracking frame, mutating scene objects as needed
func Step(state GrabState, frame *HandFrame, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult) {
	if state == nil {
		state = &GrabIdle{}
	}

	if frame == nil || frame.Clear || len(frame.Hands) == 0 {
		return releaseAll(state, scene)
	}

	switch v := state.(type) {
	case *GrabIdle:
		return stepIdle(frame, scene, camera, settings)
	case *GrabSingle:
		return stepSingle(v, frame, scene, camera, settings)
	case *GrabTwoHand:
		return stepTwoHand(v, frame, scene, camera, settings)
	case *GrabRotate:
		return stepRotate(v, frame, scene, camera, settings)
	}
	return &GrabIdle{}, StepResult{}
}

func stepIdle(frame *HandFrame, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult) {
	pinching := pinchingHands(frame, settings)

	// a two hand grab takes priority over a single grab
	if 2 <= len(pinching) {
		if next, result, ok := enterTwoHand(pinching[0], pinching[1], scene, camera, settings); ok {
			return next, result
		}
	}
	for _, hand := range pinching {
		if next, result, ok := enterSingle(hand, scene, camera, settings); ok {
			return next, result
		}
	}
	return &GrabIdle{}, StepResult{}
}

func stepSingle(state *GrabSingle, frame *HandFrame, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult) {
	object := scene.Object(state.ObjectId)
	if object == nil {
		// the object disappeared out from under the grab
		return &GrabIdle{}, StepResult{}
	}

	// both hands pinching the same object upgrades the grab
	pinching := pinchingHands(frame, settings)
	if 2 <= len(pinching) {
		if next, result, ok := enterTwoHand(pinching[0], pinching[1], scene, camera, settings); ok {
			if next.(*GrabTwoHand).ObjectId != object.Id && object.Grabbed {
				object.Grabbed = false
				result.Changed = true
			}
			return next, result
		}
	}

	hand := frame.Hand(state.Hand)
	if hand == nil || !hand.Pinching(settings.Pinch) {
		return release(object)
	}

	p := hand.PinchCenter()
	grabPoint := camera.Unproject(p.X, p.Y, object.Position.Z)
	x := grabPoint.X + state.OffsetX
	y := grabPoint.Y + state.OffsetY
	changed := x != object.Position.X || y != object.Position.Y
	object.Position.X = x
	object.Position.Y = y
	return state, StepResult{Changed: changed}
}

func stepTwoHand(state *GrabTwoHand, frame *HandFrame, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult) {
	object := scene.Object(state.ObjectId)
	if object == nil {
		return &GrabIdle{}, StepResult{}
	}

	if len(frame.Hands) < 2 {
		// a hand vanished mid grab, drop the hold entirely
		return release(object)
	}

	a := frame.Hands[0]
	b := frame.Hands[1]
	aPinching := a.Pinching(settings.Pinch)
	bPinching := b.Pinching(settings.Pinch)

	switch {
	case aPinching && bPinching:
		if state.InitialDistance <= 0 {
			return state, StepResult{}
		}
		d := dist2(a.PinchCenter(), b.PinchCenter())
		previousScale := object.Scale
		object.ScaleTo(state.InitialScale * (d / state.InitialDistance))
		return state, StepResult{Changed: object.Scale != previousScale}
	case aPinching || bPinching:
		// one release hands rotation control to the released hand
		var anchor *HandPose
		var controller *HandPose
		if aPinching {
			anchor, controller = a, b
		} else {
			anchor, controller = b, a
		}
		wrist := controller.Wrist()
		glog.V(2).Infof("[grab]rotate %s %s\n", controller.Handedness, object.Id)
		return &GrabRotate{
			ObjectId:   object.Id,
			Anchor:     anchor.Handedness,
			Controller: controller.Handedness,
			Axis:       rotationAxis(controller.Handedness),
			LastWristX: wrist.X,
			LastWristY: wrist.Y,
		}, StepResult{}
	default:
		return release(object)
	}
}

func stepRotate(state *GrabRotate, frame *HandFrame, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult) {
	object := scene.Object(state.ObjectId)
	if object == nil {
		return &GrabIdle{}, StepResult{}
	}

	anchor := frame.Hand(state.Anchor)
	controller := frame.Hand(state.Controller)

	// the anchor must stay pinching and both hands must stay visible
	if anchor == nil || controller == nil || !anchor.Pinching(settings.Pinch) {
		return release(object)
	}

	wrist := controller.Wrist()

	if controller.Pinching(settings.Pinch) {
		// both hands pinching the object again starts a fresh two hand grab
		pa := anchor.PinchCenter()
		pb := controller.PinchCenter()
		hitA := hitTest(pa, scene, camera, settings)
		hitB := hitTest(pb, scene, camera, settings)
		if hitA != nil && hitA == hitB && hitA.Id == object.Id {
			glog.V(2).Infof("[grab]two hand again %s\n", object.Id)
			return &GrabTwoHand{
				ObjectId:        object.Id,
				InitialDistance: dist2(pa, pb),
				InitialScale:    object.Scale,
			}, StepResult{}
		}
		// rotation stays intentional, a pinching controller does not rotate
		state.LastWristX = wrist.X
		state.LastWristY = wrist.Y
		return state, StepResult{}
	}

	// a fist is not a rotation gesture
	if controller.Gesture() == GestureFist {
		state.LastWristX = wrist.X
		state.LastWristY = wrist.Y
		return state, StepResult{}
	}

	deltaX := wrist.X - state.LastWristX
	deltaY := wrist.Y - state.LastWristY
	changed := false
	if state.Axis == AxisX {
		if settings.RotationThreshold < math.Abs(deltaY) {
			object.RotateX(-deltaY * settings.RotationSensitivity)
			changed = true
		}
	} else {
		if settings.RotationThreshold < math.Abs(deltaX) {
			object.RotateY(-deltaX * settings.RotationSensitivity)
			changed = true
		}
	}
	state.LastWristX = wrist.X
	state.LastWristY = wrist.Y
	return state, StepResult{Changed: changed}
}

func enterSingle(hand *HandPose, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult, bool) {
	p := hand.PinchCenter()
	object := hitTest(p, scene, camera, settings)
	if object == nil {
		return nil, StepResult{}, false
	}
	grabPoint := camera.Unproject(p.X, p.Y, object.Position.Z)
	changed := !object.Grabbed
	object.Grabbed = true
	glog.V(2).Infof("[grab]single %s %s\n", hand.Handedness, object.Id)
	return &GrabSingle{
		ObjectId: object.Id,
		Hand:     hand.Handedness,
		OffsetX:  object.Position.X - grabPoint.X,
		OffsetY:  object.Position.Y - grabPoint.Y,
	}, StepResult{Changed: changed}, true
}

// both pinch centers must land on the same object
func enterTwoHand(a *HandPose, b *HandPose, scene *Scene, camera *Camera, settings *InterpreterSettings) (GrabState, StepResult, bool) {
	pa := a.PinchCenter()
	pb := b.PinchCenter()
	objectA := hitTest(pa, scene, camera, settings)
	objectB := hitTest(pb, scene, camera, settings)
	if objectA == nil || objectA != objectB {
		return nil, StepResult{}, false
	}
	changed := !objectA.Grabbed
	objectA.Grabbed = true
	glog.V(2).Infof("[grab]two hand %s\n", objectA.Id)
	return &GrabTwoHand{
		ObjectId:        objectA.Id,
		InitialDistance: dist2(pa, pb),
		InitialScale:    objectA.Scale,
	}, StepResult{Changed: changed}, true
}

// nearest object whose projected center is within its grab radius
func hitTest(p Vec3, scene *Scene, camera *Camera, settings *InterpreterSettings) *Object {
	var closest *Object
	closestDistance := math.Inf(1)
	for _, object := range scene.Objects() {
		sx, sy, visible := camera.Project(object.Position)
		if !visible {
			continue
		}
		radius := math.Max(settings.HitRadiusMin, settings.HitRadiusScale*object.Scale)
		d := dist2(p, Vec3{X: sx, Y: sy})
		if d <= radius && d < closestDistance {
			closestDistance = d
			closest = object
		}
	}
	return closest
}

func pinchingHands(frame *HandFrame, settings *InterpreterSettings) []*HandPose {
	pinching := []*HandPose{}
	for _, hand := range frame.Hands {
		if hand.Pinching(settings.Pinch) {
			pinching = append(pinching, hand)
		}
	}
	return pinching
}

// left steers the x axis tilt, right steers the y axis spin
func rotationAxis(handedness string) RotationAxis {
	if strings.EqualFold(handedness, "left") {
		return AxisX
	}
	return AxisY
}

func releaseAll(state GrabState, scene *Scene) (GrabState, StepResult) {
	objectId := heldObjectId(state)
	if objectId == "" {
		return &GrabIdle{}, StepResult{}
	}
	if object := scene.Object(objectId); object != nil {
		return release(object)
	}
	return &GrabIdle{}, StepResult{}
}

func release(object *Object) (GrabState, StepResult) {
	changed := object.Grabbed
	object.Grabbed = false
	if changed {
		glog.V(2).Infof("[grab]release %s\n", object.Id)
	}
	return &GrabIdle{}, StepResult{Changed: changed}
}

func heldObjectId(state GrabState) string {
	switch v := state.(type) {
	case *GrabSingle:
		return v.ObjectId
	case *GrabTwoHand:
		return v.ObjectId
	case *GrabRotate:
		return v.ObjectId
	}
	return ""
}

// convenience wrapper holding the machine state between frames
type Interpreter struct {
	scene    *Scene
	camera   *Camera
	settings *InterpreterSettings

	state GrabState
}

func NewInterpreterWithDefaults(scene *Scene, camera *Camera) *Interpreter {
	return NewInterpreter(scene, camera, DefaultInterpreterSettings())
}

func NewInterpreter(scene *Scene, camera *Camera, settings *InterpreterSettings) *Interpreter {
	return &Interpreter{
		scene:    scene,
		camera:   camera,
		settings: settings,
		state:    &GrabIdle{},
	}
}

func (self *Interpreter) State() GrabState {
	return self.state
}

func (self *Interpreter) Feed(frame *HandFrame) StepResult {
	state, result := Step(self.state, frame, self.scene, self.camera, self.settings)
	self.state = state
	return result
}

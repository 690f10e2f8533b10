package consult

import (
	"sync"

	"github.com/golang/glog"
)

// drives a shared scene from hand skeletons arriving over a session
// frames from peers advance the grab machine, and whenever the machine
// moves an object the whole scene is republished for every mirror
type Puppeteer struct {
	session     *Session
	scene       *Scene
	interpreter *Interpreter

	stateLock sync.Mutex

	unsubscribes []func()
}

func NewPuppeteerWithDefaults(session *Session, scene *Scene) *Puppeteer {
	return NewPuppeteer(session, scene, NewCameraWithDefaults(), DefaultInterpreterSettings())
}

func NewPuppeteer(session *Session, scene *Scene, camera *Camera, settings *InterpreterSettings) *Puppeteer {
	puppeteer := &Puppeteer{
		session:     session,
		scene:       scene,
		interpreter: NewInterpreter(scene, camera, settings),
	}
	puppeteer.unsubscribes = []func(){
		session.AddHandFrameCallback(func(senderId Id, frame *HandFrame) {
			puppeteer.Feed(frame)
		}),
		// another authority may also publish, last writer wins
		session.AddSceneStateCallback(func(state *SceneState) {
			puppeteer.Apply(state)
		}),
	}
	return puppeteer
}

func (self *Puppeteer) Scene() *Scene {
	return self.scene
}

func (self *Puppeteer) State() GrabState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.interpreter.State()
}

// advance the grab machine one frame and republish the scene if it moved
func (self *Puppeteer) Feed(frame *HandFrame) {
	self.stateLock.Lock()
	result := self.interpreter.Feed(frame)
	var snapshot *SceneState
	if result.Changed {
		snapshot = self.scene.Snapshot()
	}
	self.stateLock.Unlock()

	if snapshot != nil {
		if err := self.session.PublishSceneState(snapshot); err != nil {
			glog.Infof("[p]publish = %s\n", err)
		}
	}
}

func (self *Puppeteer) Apply(state *SceneState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.scene.Apply(state)
}

func (self *Puppeteer) AddObject(object *Object) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.scene.Add(object)
}

// push the current scene to peers without waiting for a grab
func (self *Puppeteer) PublishScene() error {
	self.stateLock.Lock()
	snapshot := self.scene.Snapshot()
	self.stateLock.Unlock()
	return self.session.PublishSceneState(snapshot)
}

func (self *Puppeteer) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
}

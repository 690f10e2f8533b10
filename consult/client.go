package consult

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type SessionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	// minimum spacing between published skeleton frames
	// frames above the rate are dropped at the source, never queued
	SkeletonInterval time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        45 * time.Second,
		PingTimeout:        15 * time.Second,
		SkeletonInterval:   50 * time.Millisecond,
	}
}

// an offer, answer, or ice-candidate relayed from a peer
type SignalEvent struct {
	Event    string
	SenderId Id
	Data     json.RawMessage
}

type RoomUsersFunction = func(roomUsers *RoomUsers)
type UserJoinedFunction = func(userJoined *UserJoined)
type UserLeftFunction = func(userLeft *UserLeft)
type JoinErrorFunction = func(joinError *JoinError)
type SignalFunction = func(signal *SignalEvent)
type AnnotationFunction = func(annotation *Annotation)
type ClearAnnotationsFunction = func(clearAnnotations *ClearAnnotations)
type HandFrameFunction = func(senderId Id, frame *HandFrame)
type SceneStateFunction = func(state *SceneState)

// client side of the relay protocol
// join a room once, then publish and subscribe until Close
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *SessionSettings

	ws *websocket.Conn

	sendLock sync.Mutex

	stateLock      sync.Mutex
	selfId         Id
	roomId         string
	lastSkeletonAt time.Time

	roomUsersCallbacks        *CallbackList[RoomUsersFunction]
	userJoinedCallbacks       *CallbackList[UserJoinedFunction]
	userLeftCallbacks         *CallbackList[UserLeftFunction]
	joinErrorCallbacks        *CallbackList[JoinErrorFunction]
	signalCallbacks           *CallbackList[SignalFunction]
	annotationCallbacks       *CallbackList[AnnotationFunction]
	clearAnnotationsCallbacks *CallbackList[ClearAnnotationsFunction]
	handFrameCallbacks        *CallbackList[HandFrameFunction]
	sceneStateCallbacks       *CallbackList[SceneStateFunction]
}

func NewSessionWithDefaults(ctx context.Context, url string) (*Session, error) {
	return NewSession(ctx, url, DefaultSessionSettings())
}

func NewSession(ctx context.Context, url string, settings *SessionSettings) (*Session, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		url:                       url,
		settings:                  settings,
		ws:                        ws,
		roomUsersCallbacks:        NewCallbackList[RoomUsersFunction](),
		userJoinedCallbacks:       NewCallbackList[UserJoinedFunction](),
		userLeftCallbacks:         NewCallbackList[UserLeftFunction](),
		joinErrorCallbacks:        NewCallbackList[JoinErrorFunction](),
		signalCallbacks:           NewCallbackList[SignalFunction](),
		annotationCallbacks:       NewCallbackList[AnnotationFunction](),
		clearAnnotationsCallbacks: NewCallbackList[ClearAnnotationsFunction](),
		handFrameCallbacks:        NewCallbackList[HandFrameFunction](),
		sceneStateCallbacks:       NewCallbackList[SceneStateFunction](),
	}
	go session.run()
	go session.ping()
	return session, nil
}

func (self *Session) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[s]<- closed = %s\n", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		envelope, err := DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[s]<- bad message = %s\n", err)
			continue
		}
		self.dispatch(envelope)
	}
}

func (self *Session) ping() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			if err := self.write(websocket.PingMessage, nil); err != nil {
				self.cancel()
				return
			}
		}
	}
}

func (self *Session) dispatch(envelope *Envelope) {
	switch envelope.Event {
	case EventRoomUsers:
		roomUsers := &RoomUsers{}
		if err := json.Unmarshal(envelope.Data, roomUsers); err != nil {
			return
		}
		self.stateLock.Lock()
		self.selfId = roomUsers.SelfId
		self.roomId = roomUsers.RoomId
		self.stateLock.Unlock()
		for _, callback := range self.roomUsersCallbacks.Get() {
			HandleError(func() {
				callback(roomUsers)
			})
		}
	case EventUserJoined:
		userJoined := &UserJoined{}
		if err := json.Unmarshal(envelope.Data, userJoined); err != nil {
			return
		}
		for _, callback := range self.userJoinedCallbacks.Get() {
			HandleError(func() {
				callback(userJoined)
			})
		}
	case EventUserLeft:
		userLeft := &UserLeft{}
		if err := json.Unmarshal(envelope.Data, userLeft); err != nil {
			return
		}
		for _, callback := range self.userLeftCallbacks.Get() {
			HandleError(func() {
				callback(userLeft)
			})
		}
	case EventJoinError:
		joinError := &JoinError{}
		if err := json.Unmarshal(envelope.Data, joinError); err != nil {
			return
		}
		glog.Infof("[s]join error = %s\n", joinError.Error)
		for _, callback := range self.joinErrorCallbacks.Get() {
			HandleError(func() {
				callback(joinError)
			})
		}
	case EventOffer, EventAnswer, EventIceCandidate:
		signal := &SignalEvent{
			Event: envelope.Event,
			Data:  envelope.Data,
		}
		sender := &struct {
			SenderId *Id `json:"senderId,omitempty"`
		}{}
		if err := json.Unmarshal(envelope.Data, sender); err == nil && sender.SenderId != nil {
			signal.SenderId = *sender.SenderId
		}
		for _, callback := range self.signalCallbacks.Get() {
			HandleError(func() {
				callback(signal)
			})
		}
	case EventAnnotation:
		annotation := &Annotation{}
		if err := json.Unmarshal(envelope.Data, annotation); err != nil {
			return
		}
		for _, callback := range self.annotationCallbacks.Get() {
			HandleError(func() {
				callback(annotation)
			})
		}
	case EventClearAnnotations:
		clearAnnotations := &ClearAnnotations{}
		if err := json.Unmarshal(envelope.Data, clearAnnotations); err != nil {
			return
		}
		for _, callback := range self.clearAnnotationsCallbacks.Get() {
			HandleError(func() {
				callback(clearAnnotations)
			})
		}
	case EventHandSkeleton:
		skeleton := &HandSkeleton{}
		if err := json.Unmarshal(envelope.Data, skeleton); err != nil {
			return
		}
		frame, err := DecodeHandFrame(skeleton.Skeleton)
		if err != nil {
			glog.V(2).Infof("[s]<- bad skeleton = %s\n", err)
			return
		}
		var senderId Id
		if skeleton.SenderId != nil {
			senderId = *skeleton.SenderId
		}
		for _, callback := range self.handFrameCallbacks.Get() {
			HandleError(func() {
				callback(senderId, frame)
			})
		}
	case EventCadState:
		cadState := &CadStateMessage{}
		if err := json.Unmarshal(envelope.Data, cadState); err != nil {
			return
		}
		state := &SceneState{}
		if err := json.Unmarshal(cadState.State, state); err != nil {
			return
		}
		for _, callback := range self.sceneStateCallbacks.Get() {
			HandleError(func() {
				callback(state)
			})
		}
	}
}

// writes are serialized and synchronous so a clear marker
// is on the wire before the call returns
func (self *Session) write(messageType int, message []byte) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(messageType, message)
}

func (self *Session) send(event string, data any) error {
	message, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	return self.write(websocket.TextMessage, message)
}

// the connection id assigned by the relay, known after the roster arrives
func (self *Session) SelfId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selfId
}

func (self *Session) RoomId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.roomId
}

func (self *Session) Join(roomId string, role string, userName string) error {
	return self.send(EventJoinRoom, &JoinRoom{
		RoomId:   roomId,
		Role:     role,
		UserName: userName,
	})
}

func (self *Session) SendOffer(targetId Id, sdp json.RawMessage) error {
	return self.send(EventOffer, &signalMessage{
		RoomId:   self.RoomId(),
		TargetId: targetId,
		Sdp:      sdp,
	})
}

func (self *Session) SendAnswer(targetId Id, sdp json.RawMessage) error {
	return self.send(EventAnswer, &signalMessage{
		RoomId:   self.RoomId(),
		TargetId: targetId,
		Sdp:      sdp,
	})
}

func (self *Session) SendIceCandidate(targetId Id, candidate json.RawMessage) error {
	return self.send(EventIceCandidate, &signalMessage{
		RoomId:    self.RoomId(),
		TargetId:  targetId,
		Candidate: candidate,
	})
}

func (self *Session) SendAnnotation(annotation json.RawMessage) error {
	return self.send(EventAnnotation, &Annotation{
		RoomId:     self.RoomId(),
		Annotation: annotation,
	})
}

func (self *Session) ClearAnnotations() error {
	return self.send(EventClearAnnotations, &ClearAnnotations{
		RoomId: self.RoomId(),
	})
}

// throttled to the configured rate, clear markers always pass
func (self *Session) PublishHandFrame(frame *HandFrame) error {
	if !frame.Clear {
		self.stateLock.Lock()
		now := time.Now()
		if now.Sub(self.lastSkeletonAt) < self.settings.SkeletonInterval {
			self.stateLock.Unlock()
			glog.V(2).Infof("[s]skeleton drop\n")
			return nil
		}
		self.lastSkeletonAt = now
		self.stateLock.Unlock()
	}

	skeleton, err := EncodeHandFrame(frame)
	if err != nil {
		return err
	}
	return self.send(EventHandSkeleton, &HandSkeleton{
		RoomId:   self.RoomId(),
		Skeleton: skeleton,
	})
}

// publishes a clear marker so peers and pollers drop the last skeleton
func (self *Session) StopTracking() error {
	return self.PublishHandFrame(&HandFrame{
		Clear: true,
	})
}

func (self *Session) PublishSceneState(state *SceneState) error {
	stateJson, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return self.send(EventCadState, &CadStateMessage{
		RoomId: self.RoomId(),
		State:  stateJson,
	})
}

func (self *Session) AddRoomUsersCallback(callback RoomUsersFunction) func() {
	callbackId := self.roomUsersCallbacks.Add(callback)
	return func() {
		self.roomUsersCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddUserJoinedCallback(callback UserJoinedFunction) func() {
	callbackId := self.userJoinedCallbacks.Add(callback)
	return func() {
		self.userJoinedCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddUserLeftCallback(callback UserLeftFunction) func() {
	callbackId := self.userLeftCallbacks.Add(callback)
	return func() {
		self.userLeftCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddJoinErrorCallback(callback JoinErrorFunction) func() {
	callbackId := self.joinErrorCallbacks.Add(callback)
	return func() {
		self.joinErrorCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddSignalCallback(callback SignalFunction) func() {
	callbackId := self.signalCallbacks.Add(callback)
	return func() {
		self.signalCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddAnnotationCallback(callback AnnotationFunction) func() {
	callbackId := self.annotationCallbacks.Add(callback)
	return func() {
		self.annotationCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddClearAnnotationsCallback(callback ClearAnnotationsFunction) func() {
	callbackId := self.clearAnnotationsCallbacks.Add(callback)
	return func() {
		self.clearAnnotationsCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddHandFrameCallback(callback HandFrameFunction) func() {
	callbackId := self.handFrameCallbacks.Add(callback)
	return func() {
		self.handFrameCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddSceneStateCallback(callback SceneStateFunction) func() {
	callbackId := self.sceneStateCallbacks.Add(callback)
	return func() {
		self.sceneStateCallbacks.Remove(callbackId)
	}
}

func (self *Session) Close() {
	self.cancel()
	self.ws.Close()
}

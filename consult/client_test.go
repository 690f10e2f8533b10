package consult

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor[T any](t *testing.T, values chan T, timeout time.Duration) T {
	select {
	case value := <-values:
		return value
	case <-time.After(timeout):
		t.FailNow()
	}
	var zero T
	return zero
}

type receivedFrame struct {
	senderId Id
	frame    *HandFrame
}

func TestSessionRoomFlow(t *testing.T) {
	timeout := 5 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, httpServer := startTestRelay(ctx)
	defer httpServer.Close()
	defer server.Close()

	a, err := NewSessionWithDefaults(ctx, testWsUrl(httpServer))
	assert.Equal(t, nil, err)
	defer a.Close()
	b, err := NewSessionWithDefaults(ctx, testWsUrl(httpServer))
	assert.Equal(t, nil, err)
	defer b.Close()

	aRoomUsers := make(chan *RoomUsers, 4)
	a.AddRoomUsersCallback(func(roomUsers *RoomUsers) {
		aRoomUsers <- roomUsers
	})
	aUserJoined := make(chan *UserJoined, 4)
	a.AddUserJoinedCallback(func(userJoined *UserJoined) {
		aUserJoined <- userJoined
	})
	aUserLeft := make(chan *UserLeft, 4)
	a.AddUserLeftCallback(func(userLeft *UserLeft) {
		aUserLeft <- userLeft
	})
	aSignals := make(chan *SignalEvent, 4)
	a.AddSignalCallback(func(signal *SignalEvent) {
		aSignals <- signal
	})
	aStates := make(chan *SceneState, 4)
	a.AddSceneStateCallback(func(state *SceneState) {
		aStates <- state
	})
	aClears := make(chan *ClearAnnotations, 4)
	a.AddClearAnnotationsCallback(func(clearAnnotations *ClearAnnotations) {
		aClears <- clearAnnotations
	})

	bRoomUsers := make(chan *RoomUsers, 4)
	b.AddRoomUsersCallback(func(roomUsers *RoomUsers) {
		bRoomUsers <- roomUsers
	})
	bSignals := make(chan *SignalEvent, 4)
	b.AddSignalCallback(func(signal *SignalEvent) {
		bSignals <- signal
	})
	bAnnotations := make(chan *Annotation, 4)
	b.AddAnnotationCallback(func(annotation *Annotation) {
		bAnnotations <- annotation
	})
	bFrames := make(chan receivedFrame, 16)
	b.AddHandFrameCallback(func(senderId Id, frame *HandFrame) {
		bFrames <- receivedFrame{
			senderId: senderId,
			frame:    frame,
		}
	})

	// join and learn the assigned connection id
	err = a.Join("exam-2", RoleClinician, "Dr. Chen")
	assert.Equal(t, nil, err)
	roomUsers := waitFor(t, aRoomUsers, timeout)
	assert.Equal(t, "exam-2", roomUsers.RoomId)
	assert.Equal(t, "exam-2", a.RoomId())
	assert.Equal(t, roomUsers.SelfId, a.SelfId())
	assert.NotEqual(t, Id{}, a.SelfId())

	err = b.Join("exam-2", RoleExpert, "Dr. Diaz")
	assert.Equal(t, nil, err)
	roomUsers = waitFor(t, bRoomUsers, timeout)
	assert.Equal(t, 2, len(roomUsers.Users))
	assert.Equal(t, a.SelfId(), roomUsers.Users[0].UserId)

	userJoined := waitFor(t, aUserJoined, timeout)
	assert.Equal(t, b.SelfId(), userJoined.UserId)
	assert.Equal(t, RoleExpert, userJoined.Role)

	// signaling helpers attach the room and target for the relay
	err = b.SendOffer(a.SelfId(), json.RawMessage(`{"type":"offer","sdp":"v=0"}`))
	assert.Equal(t, nil, err)
	signal := waitFor(t, aSignals, timeout)
	assert.Equal(t, EventOffer, signal.Event)
	assert.Equal(t, b.SelfId(), signal.SenderId)

	err = a.SendAnswer(b.SelfId(), json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
	assert.Equal(t, nil, err)
	signal = waitFor(t, bSignals, timeout)
	assert.Equal(t, EventAnswer, signal.Event)
	assert.Equal(t, a.SelfId(), signal.SenderId)

	err = a.SendIceCandidate(b.SelfId(), json.RawMessage(`{"candidate":"candidate:0 1 UDP 2122252543 198.51.100.7 49203 typ host"}`))
	assert.Equal(t, nil, err)
	signal = waitFor(t, bSignals, timeout)
	assert.Equal(t, EventIceCandidate, signal.Event)

	// an unsubscribed callback stays quiet
	bAnnotations2 := make(chan *Annotation, 4)
	unsubscribe := b.AddAnnotationCallback(func(annotation *Annotation) {
		bAnnotations2 <- annotation
	})
	unsubscribe()

	err = a.SendAnnotation(json.RawMessage(`{"kind":"arrow","x":0.4,"y":0.6}`))
	assert.Equal(t, nil, err)
	annotation := waitFor(t, bAnnotations, timeout)
	assert.NotEqual(t, nil, annotation.SenderId)
	assert.Equal(t, a.SelfId(), *annotation.SenderId)
	assert.Equal(t, true, 0 < annotation.Timestamp)
	select {
	case <-bAnnotations2:
		t.FailNow()
	case <-time.After(200 * time.Millisecond):
	}

	err = b.ClearAnnotations()
	assert.Equal(t, nil, err)
	clearAnnotations := waitFor(t, aClears, timeout)
	assert.Equal(t, "exam-2", clearAnnotations.RoomId)

	// hand frames arrive decoded and attributed
	err = a.PublishHandFrame(&HandFrame{
		CapturedAt: 123,
		Hands: []*HandPose{
			testHand("right", 0.5, 0.5, true),
		},
	})
	assert.Equal(t, nil, err)
	received := waitFor(t, bFrames, timeout)
	assert.Equal(t, a.SelfId(), received.senderId)
	assert.Equal(t, false, received.frame.Clear)
	assert.Equal(t, int64(123), received.frame.CapturedAt)
	assert.Equal(t, 1, len(received.frame.Hands))
	assert.Equal(t, "right", received.frame.Hands[0].Handedness)

	// a burst above the publish rate collapses to one frame on the wire
	time.Sleep(60 * time.Millisecond)
	for i := 0; i < 3; i += 1 {
		err = a.PublishHandFrame(&HandFrame{
			Hands: []*HandPose{
				testHand("right", 0.5, 0.5, true),
			},
		})
		assert.Equal(t, nil, err)
	}
	received = waitFor(t, bFrames, timeout)
	assert.Equal(t, false, received.frame.Clear)

	// the clear marker bypasses the throttle
	err = a.StopTracking()
	assert.Equal(t, nil, err)
	received = waitFor(t, bFrames, timeout)
	assert.Equal(t, true, received.frame.Clear)

	select {
	case <-bFrames:
		t.FailNow()
	case <-time.After(200 * time.Millisecond):
	}

	// scene snapshots round trip through the relay
	err = b.PublishSceneState(&SceneState{
		Objects: []*ObjectState{
			{Id: "crate-1", Name: "Crate", Scale: 1.5},
		},
	})
	assert.Equal(t, nil, err)
	state := waitFor(t, aStates, timeout)
	assert.Equal(t, 1, len(state.Objects))
	assert.Equal(t, "crate-1", state.Objects[0].Id)
	assert.Equal(t, 1.5, state.Objects[0].Scale)

	// closing a session is a leave for everyone else
	b.Close()
	userLeft := waitFor(t, aUserLeft, timeout)
	assert.Equal(t, userJoined.UserId, userLeft.UserId)
	assert.Equal(t, "exam-2", userLeft.RoomId)
}

func TestPuppeteerDrivesScene(t *testing.T) {
	timeout := 5 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, httpServer := startTestRelay(ctx)
	defer httpServer.Close()
	defer server.Close()

	desk, err := NewSessionWithDefaults(ctx, testWsUrl(httpServer))
	assert.Equal(t, nil, err)
	defer desk.Close()
	browser, err := NewSessionWithDefaults(ctx, testWsUrl(httpServer))
	assert.Equal(t, nil, err)
	defer browser.Close()

	deskRoomUsers := make(chan *RoomUsers, 4)
	desk.AddRoomUsersCallback(func(roomUsers *RoomUsers) {
		deskRoomUsers <- roomUsers
	})
	browserRoomUsers := make(chan *RoomUsers, 4)
	browser.AddRoomUsersCallback(func(roomUsers *RoomUsers) {
		browserRoomUsers <- roomUsers
	})
	browserStates := make(chan *SceneState, 16)
	browser.AddSceneStateCallback(func(state *SceneState) {
		browserStates <- state
	})

	scene := NewScene()
	scene.Add(NewObject("crate-1", "Crate"))
	puppeteer := NewPuppeteerWithDefaults(desk, scene)
	defer puppeteer.Close()

	err = desk.Join("exam-3", RoleClinician, "AR Desk")
	assert.Equal(t, nil, err)
	waitFor(t, deskRoomUsers, timeout)

	err = browser.Join("exam-3", RoleExpert, "Browser")
	assert.Equal(t, nil, err)
	roomUsers := waitFor(t, browserRoomUsers, timeout)
	assert.Equal(t, 2, len(roomUsers.Users))

	// a remote pinch grabs the object and the snapshot comes back
	err = browser.PublishHandFrame(&HandFrame{
		Hands: []*HandPose{
			testHand("right", 0.52, 0.5, true),
		},
	})
	assert.Equal(t, nil, err)
	state := waitFor(t, browserStates, timeout)
	assert.Equal(t, 1, len(state.Objects))
	assert.Equal(t, "crate-1", state.Objects[0].Id)
	assert.Equal(t, true, state.Objects[0].Grabbed)
	assert.Equal(t, 0.0, state.Objects[0].Position.X)

	// dragging the pinch moves the object
	time.Sleep(60 * time.Millisecond)
	err = browser.PublishHandFrame(&HandFrame{
		Hands: []*HandPose{
			testHand("right", 0.58, 0.5, true),
		},
	})
	assert.Equal(t, nil, err)
	state = waitFor(t, browserStates, timeout)
	assert.Equal(t, true, state.Objects[0].Grabbed)
	assert.Equal(t, true, 0 < state.Objects[0].Position.X)

	// stopping tracking releases the hold on every mirror
	err = browser.StopTracking()
	assert.Equal(t, nil, err)
	state = waitFor(t, browserStates, timeout)
	assert.Equal(t, false, state.Objects[0].Grabbed)

	_, ok := puppeteer.State().(*GrabIdle)
	assert.Equal(t, true, ok)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/mediview/consult/consult"
)

const ConsultCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Consult control.

Joins consult rooms, tails relay events, polls the landmark cache,
streams synthetic hand frames, and hosts the demo scene authority.

Usage:
    consultctl join --url=<url> --room=<room> [--role=<role>] [--name=<name>]
    consultctl poll --url=<url> --room=<room> [--interval=<interval>]
    consultctl feed --url=<url> --room=<room> [--fps=<fps>] [--seconds=<seconds>]
    consultctl puppet --url=<url> --room=<room> [--name=<name>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Relay base url, e.g. http://localhost:8080.
    --room=<room>          Room id.
    --role=<role>          clinician or expert [default: expert].
    --name=<name>          Display name [default: consultctl].
    --interval=<interval>  Poll interval in milliseconds [default: 500].
    --fps=<fps>            Synthetic hand frames per second [default: 30].
    --seconds=<seconds>    Stop the synthetic stream after this many seconds [default: 10].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ConsultCtlVersion)
	if err != nil {
		panic(err)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if poll_, _ := opts.Bool("poll"); poll_ {
		poll(opts)
	} else if feed_, _ := opts.Bool("feed"); feed_ {
		feed(opts)
	} else if puppet_, _ := opts.Bool("puppet"); puppet_ {
		puppet(opts)
	}
}

// tail room membership, signaling, and state events
func join(opts docopt.Opts) {
	baseUrl, _ := opts.String("--url")
	roomId, _ := opts.String("--room")
	role, _ := opts.String("--role")
	userName, _ := opts.String("--name")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalNotify := make(chan os.Signal, 1)
	signal.Notify(signalNotify, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalNotify
		cancel()
	}()

	session, err := consult.NewSessionWithDefaults(cancelCtx, wsUrl(baseUrl))
	if err != nil {
		panic(err)
	}
	defer session.Close()

	width := outWidth()

	session.AddRoomUsersCallback(func(roomUsers *consult.RoomUsers) {
		Out.Printf("room %s (%d users)", roomUsers.RoomId, len(roomUsers.Users))
		for _, user := range roomUsers.Users {
			Out.Printf("    %s %s %s", user.UserId, user.Role, user.UserName)
		}
	})
	session.AddUserJoinedCallback(func(userJoined *consult.UserJoined) {
		Out.Printf("joined %s %s %s", userJoined.UserId, userJoined.Role, userJoined.UserName)
	})
	session.AddUserLeftCallback(func(userLeft *consult.UserLeft) {
		Out.Printf("left %s", userLeft.UserId)
	})
	session.AddJoinErrorCallback(func(joinError *consult.JoinError) {
		Err.Printf("join error: %s", joinError.Error)
		cancel()
	})
	session.AddSignalCallback(func(signalEvent *consult.SignalEvent) {
		Out.Printf("%s", clip(fmt.Sprintf("%s %s %s", signalEvent.Event, signalEvent.SenderId, signalEvent.Data), width))
	})
	session.AddAnnotationCallback(func(annotation *consult.Annotation) {
		Out.Printf("%s", clip(fmt.Sprintf("annotation %s %s", annotation.SenderId, annotation.Annotation), width))
	})
	session.AddClearAnnotationsCallback(func(clearAnnotations *consult.ClearAnnotations) {
		Out.Printf("annotations cleared")
	})
	session.AddHandFrameCallback(func(senderId consult.Id, frame *consult.HandFrame) {
		if frame.Clear {
			Out.Printf("skeleton %s clear", senderId)
		} else {
			Out.Printf("skeleton %s %d hands", senderId, len(frame.Hands))
		}
	})
	session.AddSceneStateCallback(func(state *consult.SceneState) {
		stateJson, err := json.Marshal(state)
		if err != nil {
			return
		}
		Out.Printf("%s", clip(fmt.Sprintf("scene %s", stateJson), width))
	})

	err = session.Join(roomId, role, userName)
	if err != nil {
		panic(err)
	}

	select {
	case <-cancelCtx.Done():
	}
}

// poll the landmark cache the way a browser without a socket would
func poll(opts docopt.Opts) {
	baseUrl, _ := opts.String("--url")
	roomId, _ := opts.String("--room")
	intervalMillis, _ := opts.Int("--interval")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalNotify := make(chan os.Signal, 1)
	signal.Notify(signalNotify, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalNotify
		cancel()
	}()

	pollUrl := fmt.Sprintf(
		"%s/hand-landmarks?%s",
		strings.TrimSuffix(baseUrl, "/"),
		url.Values{"roomId": []string{roomId}}.Encode(),
	)

	width := outWidth()

	var lastUpdatedAt int64
	for {
		var result struct {
			RoomId string                 `json:"roomId"`
			Data   *consult.SkeletonEntry `json:"data"`
		}
		response, err := http.Get(pollUrl)
		if err != nil {
			Err.Printf("poll error: %s", err)
		} else {
			err = json.NewDecoder(response.Body).Decode(&result)
			response.Body.Close()
			if err != nil {
				Err.Printf("poll decode error: %s", err)
			} else if result.Data == nil {
				Out.Printf("%s: no skeleton", roomId)
			} else if lastUpdatedAt < result.Data.UpdatedAt {
				lastUpdatedAt = result.Data.UpdatedAt
				Out.Printf("%s", clip(fmt.Sprintf("%d %s %s", result.Data.UpdatedAt, result.Data.SenderId, result.Data.Skeleton), width))
			}
		}

		select {
		case <-cancelCtx.Done():
			return
		case <-time.After(time.Duration(intervalMillis) * time.Millisecond):
		}
	}
}

// stream a synthetic pinching hand circling the view
// publishing above the session rate shows the outbound throttle at work
func feed(opts docopt.Opts) {
	baseUrl, _ := opts.String("--url")
	roomId, _ := opts.String("--room")
	fps, _ := opts.Int("--fps")
	seconds, _ := opts.Int("--seconds")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalNotify := make(chan os.Signal, 1)
	signal.Notify(signalNotify, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalNotify
		cancel()
	}()

	session, err := consult.NewSessionWithDefaults(cancelCtx, wsUrl(baseUrl))
	if err != nil {
		panic(err)
	}
	defer session.Close()

	err = session.Join(roomId, consult.RoleClinician, "feed")
	if err != nil {
		panic(err)
	}

	frameCount := 0
	end := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(end) {
		t := float64(frameCount) / float64(fps)
		cx := 0.5 + 0.2*math.Cos(t)
		cy := 0.5 + 0.2*math.Sin(t)
		// hold the pinch for two seconds, release for two
		pinch := int(t)%4 < 2
		frame := &consult.HandFrame{
			CapturedAt: time.Now().UnixMilli(),
			Hands: []*consult.HandPose{
				syntheticHand("right", cx, cy, pinch),
			},
		}
		if err := session.PublishHandFrame(frame); err != nil {
			Err.Printf("publish error: %s", err)
			return
		}
		frameCount += 1

		select {
		case <-cancelCtx.Done():
			return
		case <-time.After(time.Second / time.Duration(fps)):
		}
	}
	session.StopTracking()
	Out.Printf("sent %d frames", frameCount)
}

// host the demo catalog and let remote hands move it
func puppet(opts docopt.Opts) {
	baseUrl, _ := opts.String("--url")
	roomId, _ := opts.String("--room")
	userName, _ := opts.String("--name")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalNotify := make(chan os.Signal, 1)
	signal.Notify(signalNotify, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalNotify
		cancel()
	}()

	session, err := consult.NewSessionWithDefaults(cancelCtx, wsUrl(baseUrl))
	if err != nil {
		panic(err)
	}
	defer session.Close()

	roomUsers := make(chan *consult.RoomUsers, 1)
	session.AddRoomUsersCallback(func(update *consult.RoomUsers) {
		select {
		case roomUsers <- update:
		default:
		}
	})

	scene := consult.NewScene()
	scene.Add(consult.NewObject("crate-1", "Crate"))
	needle := consult.NewObject("needle-1", "Needle")
	needle.Position.X = 1.5
	scene.Add(needle)
	probe := consult.NewObject("probe-1", "Probe")
	probe.Position.X = -1.5
	scene.Add(probe)

	puppeteer := consult.NewPuppeteerWithDefaults(session, scene)
	defer puppeteer.Close()

	err = session.Join(roomId, consult.RoleClinician, userName)
	if err != nil {
		panic(err)
	}

	select {
	case <-cancelCtx.Done():
		return
	case <-roomUsers:
	}

	if err := puppeteer.PublishScene(); err != nil {
		Err.Printf("publish error: %s", err)
		return
	}
	Out.Printf("hosting %s", roomId)

	width := outWidth()

	last := ""
	for {
		select {
		case <-cancelCtx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}

		stateJson, err := json.Marshal(puppeteer.Scene().Snapshot())
		if err != nil {
			continue
		}
		if state := string(stateJson); state != last {
			last = state
			Out.Printf("%s", clip(state, width))
		}
	}
}

// all 21 mediapipe landmarks, with the wrist, thumb tip, and index tip
// placed where the pose reader looks
func syntheticHand(handedness string, cx float64, cy float64, pinch bool) *consult.HandPose {
	landmarks := make([]consult.Vec3, consult.HandLandmarkCount)
	for i := 0; i < len(landmarks); i += 1 {
		landmarks[i] = consult.Vec3{X: cx, Y: cy + 0.2}
	}
	landmarks[0] = consult.Vec3{X: cx, Y: cy + 0.25}
	if pinch {
		landmarks[4] = consult.Vec3{X: cx - 0.01, Y: cy}
		landmarks[8] = consult.Vec3{X: cx + 0.01, Y: cy}
	} else {
		landmarks[4] = consult.Vec3{X: cx - 0.1, Y: cy}
		landmarks[8] = consult.Vec3{X: cx + 0.1, Y: cy}
	}
	return &consult.HandPose{
		Landmarks:  landmarks,
		Handedness: handedness,
	}
}

func wsUrl(base string) string {
	wsBase := strings.TrimSuffix(base, "/")
	wsBase = strings.Replace(wsBase, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	return wsBase + "/ws"
}

func outWidth() int {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if width, _, err := term.GetSize(fd); err == nil {
			return width
		}
	}
	return 120
}

func clip(s string, width int) string {
	if width < 4 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

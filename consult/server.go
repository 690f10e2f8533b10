package consult

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

type RelayServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	// largest accepted client message
	ReadLimit int64
	Version   string
	Relay     *RelaySettings
}

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  45 * time.Second,
		PingTimeout:  15 * time.Second,
		ReadLimit:    1 << 20,
		Version:      "0.0.0-local",
		Relay:        DefaultRelaySettings(),
	}
}

// terminates room websockets and serves the poll endpoints
type RelayServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *SessionRegistry
	relay    *Relay
	cache    *SkeletonCache

	settings *RelayServerSettings

	upgrader *websocket.Upgrader
}

func NewRelayServerWithDefaults(ctx context.Context) *RelayServer {
	return NewRelayServer(ctx, DefaultRelayServerSettings())
}

func NewRelayServer(ctx context.Context, settings *RelayServerSettings) *RelayServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := NewSessionRegistry(cancelCtx)
	relay := NewRelay(cancelCtx, registry, settings.Relay)
	return &RelayServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		relay:    relay,
		cache:    NewSkeletonCache(),
		settings: settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser clients connect from any origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *RelayServer) Registry() *SessionRegistry {
	return self.registry
}

func (self *RelayServer) Relay() *Relay {
	return self.relay
}

func (self *RelayServer) Cache() *SkeletonCache {
	return self.cache
}

// all routes behind proxy header and cors middleware
// so the server works behind tunnels and for browser pollers
func (self *RelayServer) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.serveWs)
	router.HandleFunc("/hand-landmarks", self.serveHandLandmarks).Methods("GET")
	router.HandleFunc("/api/hand-landmarks", self.serveHandLandmarks).Methods("GET")
	router.HandleFunc("/status", self.serveStatus).Methods("GET")
	return handlers.ProxyHeaders(cors.AllowAll().Handler(router))
}

func (self *RelayServer) Close() {
	self.cancel()
}

func (self *RelayServer) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[rs]upgrade error = %s\n", err)
		return
	}

	conn := &relayConn{
		server: self,
		userId: NewId(),
		ws:     ws,
	}
	conn.run()
}

// one websocket connection on the server side
type relayConn struct {
	server *RelayServer
	userId Id
	ws     *websocket.Conn
}

func (self *relayConn) run() {
	server := self.server
	defer self.ws.Close()

	handleCtx, handleCancel := context.WithCancel(server.ctx)
	defer handleCancel()

	outbox := server.relay.Open(self.userId)
	defer func() {
		server.relay.Remove(self.userId)
		// a dropped connection leaves its room like any other
		if leave := server.registry.Leave(self.userId); leave != nil {
			server.emitUserLeft(self.userId, leave)
		}
	}()

	glog.V(2).Infof("[rs]%s connected\n", self.userId)

	go func() {
		defer func() {
			handleCancel()
			// unblock the reader
			self.ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-outbox.Messages():
				if !ok {
					return
				}
				self.ws.SetWriteDeadline(time.Now().Add(server.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[rs]%s-> error = %s\n", self.userId, err)
					return
				}
				glog.V(2).Infof("[rs]%s->\n", self.userId)
			case <-time.After(server.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(server.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	self.ws.SetReadLimit(server.settings.ReadLimit)
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(server.settings.ReadTimeout))
		return nil
	})
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(server.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[rr]%s<- closed = %s\n", self.userId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			self.handleMessage(message)
		}
	}
}

func (self *relayConn) handleMessage(message []byte) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		glog.Infof("[rr]%s<- bad message = %s\n", self.userId, err)
		return
	}

	switch envelope.Event {
	case EventJoinRoom:
		self.handleJoin(envelope.Data)
	case EventOffer, EventAnswer, EventIceCandidate:
		self.handleSignal(envelope.Event, envelope.Data)
	case EventAnnotation:
		self.handleAnnotation(envelope.Data)
	case EventClearAnnotations:
		self.handleClearAnnotations(envelope.Data)
	case EventHandSkeleton:
		self.handleHandSkeleton(envelope.Data)
	case EventCadState:
		self.handleCadState(envelope.Data)
	default:
		glog.V(2).Infof("[rr]%s<- other=%s\n", self.userId, envelope.Event)
	}
}

func (self *relayConn) handleJoin(data json.RawMessage) {
	server := self.server

	joinRoom := &JoinRoom{}
	if err := json.Unmarshal(data, joinRoom); err != nil {
		self.sendJoinError("", err)
		return
	}

	result, err := server.registry.Join(self.userId, joinRoom.RoomId, joinRoom.Role, joinRoom.UserName)
	if err != nil {
		self.sendJoinError(joinRoom.RoomId, err)
		return
	}

	// the old room hears about the move before the new room hears the join
	if result.Previous != nil {
		server.emitUserLeft(self.userId, result.Previous)
	}

	if message, err := EncodeEnvelope(EventUserJoined, &UserJoined{
		RoomId:   result.RoomId,
		UserId:   self.userId,
		Role:     joinRoom.Role,
		UserName: joinRoom.UserName,
	}); err == nil {
		for _, peerId := range result.PeerIds {
			server.relay.SendTo(peerId, message)
		}
	}

	// the roster goes only to the joiner
	if message, err := EncodeEnvelope(EventRoomUsers, &RoomUsers{
		RoomId: result.RoomId,
		SelfId: self.userId,
		Users:  result.Users,
	}); err == nil {
		server.relay.SendTo(self.userId, message)
	}
}

func (self *relayConn) sendJoinError(roomId string, err error) {
	if message, encodeErr := EncodeEnvelope(EventJoinError, &JoinError{
		RoomId: roomId,
		Error:  err.Error(),
	}); encodeErr == nil {
		self.server.relay.SendTo(self.userId, message)
	}
}

// offer, answer, and ice-candidate are re-emitted to the target only,
// with the sender id attached and the payload otherwise untouched
func (self *relayConn) handleSignal(event string, data json.RawMessage) {
	header := &routingHeader{}
	if err := json.Unmarshal(data, header); err != nil || header.TargetId == nil {
		glog.V(2).Infof("[rr]%s<- %s unroutable\n", self.userId, event)
		return
	}

	forward, err := withMeta(data, map[string]any{
		"senderId": self.userId.String(),
	})
	if err != nil {
		return
	}
	if message, err := EncodeEnvelope(event, forward); err == nil {
		self.server.relay.SendTo(*header.TargetId, message)
	}
}

func (self *relayConn) handleAnnotation(data json.RawMessage) {
	header := &routingHeader{}
	if err := json.Unmarshal(data, header); err != nil || header.RoomId == "" {
		return
	}

	forward, err := withMeta(data, map[string]any{
		"senderId":  self.userId.String(),
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if message, err := EncodeEnvelope(EventAnnotation, forward); err == nil {
		self.server.relay.Broadcast(header.RoomId, self.userId, message)
	}
}

func (self *relayConn) handleClearAnnotations(data json.RawMessage) {
	header := &routingHeader{}
	if err := json.Unmarshal(data, header); err != nil || header.RoomId == "" {
		return
	}
	if message, err := EncodeEnvelope(EventClearAnnotations, data); err == nil {
		self.server.relay.Broadcast(header.RoomId, self.userId, message)
	}
}

// skeletons broadcast to the room and write through to the poll cache
func (self *relayConn) handleHandSkeleton(data json.RawMessage) {
	server := self.server

	skeleton := &HandSkeleton{}
	if err := json.Unmarshal(data, skeleton); err != nil || skeleton.RoomId == "" {
		return
	}

	// a cache failure must never stall the live path
	HandleError(func() {
		server.cache.Put(skeleton.RoomId, self.userId, skeleton.Skeleton)
	})

	forward, err := withMeta(data, map[string]any{
		"senderId":  self.userId.String(),
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if message, err := EncodeEnvelope(EventHandSkeleton, forward); err == nil {
		server.relay.Broadcast(skeleton.RoomId, self.userId, message)
	}
}

// scene snapshots forward verbatim, receivers reconcile them whole
func (self *relayConn) handleCadState(data json.RawMessage) {
	header := &routingHeader{}
	if err := json.Unmarshal(data, header); err != nil || header.RoomId == "" {
		return
	}
	if message, err := EncodeEnvelope(EventCadState, data); err == nil {
		self.server.relay.Broadcast(header.RoomId, self.userId, message)
	}
}

type handLandmarksResult struct {
	RoomId string         `json:"roomId"`
	Data   *SkeletonEntry `json:"data"`
}

func (self *RelayServer) serveHandLandmarks(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("roomId")
	if roomId == "" {
		responseJson, _ := json.Marshal(map[string]any{
			"error": "roomId required",
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write(responseJson)
		return
	}

	result := &handLandmarksResult{
		RoomId: roomId,
	}
	if entry, ok := self.cache.Get(roomId); ok {
		result.Data = entry
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *RelayServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	type statusResult struct {
		Version string      `json:"version,omitempty"`
		Status  string      `json:"status"`
		Host    string      `json:"host"`
		Relay   *RelayStats `json:"relay"`
	}

	host := os.Getenv("CONSULT_HOST")
	if host == "" {
		host, _ = os.Hostname()
	}
	result := &statusResult{
		Version: self.settings.Version,
		Status:  "ok",
		Host:    host,
		Relay:   self.relay.Stats(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *RelayServer) emitUserLeft(userId Id, leave *LeaveResult) {
	if len(leave.PeerIds) == 0 {
		return
	}
	message, err := EncodeEnvelope(EventUserLeft, &UserLeft{
		RoomId: leave.RoomId,
		UserId: userId,
	})
	if err != nil {
		return
	}
	for _, peerId := range leave.PeerIds {
		self.relay.SendTo(peerId, message)
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type ServerSettings struct {
	ListenAddress string
	// empty allows any origin
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// request bodies of the call-in api
	MaxBodySize int64

	WsTransportSettings *WsTransportSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ListenAddress:       ":8080",
		AllowedOrigins:      []string{},
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownTimeout:     5 * time.Second,
		MaxBodySize:         1024 * 1024,
		WsTransportSettings: DefaultWsTransportSettings(),
	}
}

// The http surface: the `/ws` endpoint for clients and the call-in api the REST
// layer uses to publish events, resolve cell edits, and read presence.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub         *Hub
	broadcaster *Broadcaster
	presence    *PresenceTracker
	resolver    *ConflictResolver
	// end user tokens for `/ws`
	verifier    TokenVerifier
	// service tokens for `/api`. nil disables the call-in api.
	apiVerifier TokenVerifier
	settings    *ServerSettings

	upgrader *websocket.Upgrader
	router   *mux.Router
}

func NewServerWithDefaults(
	ctx context.Context,
	hub *Hub,
	broadcaster *Broadcaster,
	presence *PresenceTracker,
	resolver *ConflictResolver,
	verifier TokenVerifier,
	apiVerifier TokenVerifier,
) *Server {
	return NewServer(ctx, hub, broadcaster, presence, resolver, verifier, apiVerifier, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	hub *Hub,
	broadcaster *Broadcaster,
	presence *PresenceTracker,
	resolver *ConflictResolver,
	verifier TokenVerifier,
	apiVerifier TokenVerifier,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:         cancelCtx,
		cancel:      cancel,
		hub:         hub,
		broadcaster: broadcaster,
		presence:    presence,
		resolver:    resolver,
		verifier:    verifier,
		apiVerifier: apiVerifier,
		settings:    settings,
	}
	server.upgrader = &websocket.Upgrader{
		CheckOrigin: server.checkOrigin,
	}
	server.router = server.newRouter()
	return server
}

func (self *Server) newRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", self.handleWs).Methods("GET")
	r.HandleFunc("/health", self.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(self.requireAuth)
	api.HandleFunc("/broadcast/boards/{boardId}", self.handleBroadcastBoard).Methods("POST")
	api.HandleFunc("/broadcast/workspaces/{workspaceId}", self.handleBroadcastWorkspace).Methods("POST")
	api.HandleFunc("/broadcast/users/{userId}", self.handleBroadcastUser).Methods("POST")
	api.HandleFunc("/cells/{cellId}/edits", self.handleCellEdit).Methods("POST")
	api.HandleFunc("/cells/{cellId}/conflict", self.handleCheckConflict).Methods("GET")
	api.HandleFunc("/cells/{cellId}/editors", self.handleCellEditors).Methods("GET")
	api.HandleFunc("/items/{itemId}/viewers", self.handleItemViewers).Methods("GET")
	api.HandleFunc("/items/{itemId}/editors", self.handleItemEditors).Methods("GET")

	return r
}

func (self *Server) Handler() http.Handler {
	return self.router
}

// serves until the context is done, then shuts down gracefully
func (self *Server) ListenAndServe() error {
	httpServer := &http.Server{
		Addr:              self.settings.ListenAddress,
		Handler:           self.router,
		ReadHeaderTimeout: self.settings.ReadHeaderTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return self.ctx
		},
	}

	go HandleError(func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
		defer shutdownCancel()
		// websocket connections are hijacked and not tracked by the http server
		self.hub.Close()
		httpServer.Shutdown(shutdownCtx)
	})

	glog.Infof("[s]listen %s\n", self.settings.ListenAddress)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) checkOrigin(r *http.Request) bool {
	if len(self.settings.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(self.settings.AllowedOrigins, r.Header.Get("Origin"))
}

// Upgrades, authenticates, then reads until the connection ends.
// The upgrade happens before authentication so that auth failures are reported
// with a websocket close status.
func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the http error
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	transport := NewWsTransport(self.ctx, ws, self.settings.WsTransportSettings)
	client, err := self.hub.Connect(transport, TokenFromRequest(r))
	if err != nil {
		return
	}
	defer self.hub.Disconnect(client.ClientId)

	for {
		message, err := transport.Read()
		if err != nil {
			glog.V(1).Infof("[s]%s read error = %s\n", client.ClientId, err)
			return
		}
		HandleError(func() {
			self.hub.HandleMessage(client.ClientId, message)
		})
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	ClientCount int    `json:"clientCount"`
}

func (self *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, &healthResponse{
		Status:      "ok",
		ClientCount: self.hub.ClientCount(),
	})
}

type authContextKey struct{}

var ErrApiDisabled = errors.New("Call-in api is disabled.")

// The call-in api is for the trusted REST layer. It accepts only service tokens,
// signed with the api secret. End user tokens never verify here.
func (self *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if self.apiVerifier == nil {
			writeError(w, http.StatusForbidden, ErrApiDisabled)
			return
		}
		token := TokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		byJwt, err := self.apiVerifier.Verify(token)
		if err != nil {
			glog.Infof("[s]api auth error = %s\n", err)
			writeError(w, http.StatusUnauthorized, &AuthError{Err: err})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, byJwt)))
	})
}

func requestJwt(r *http.Request) *ByJwt {
	byJwt, _ := r.Context().Value(authContextKey{}).(*ByJwt)
	return byJwt
}

type BroadcastRequest struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

func (self *Server) readBroadcastEvent(w http.ResponseWriter, r *http.Request) (Event, bool) {
	var request BroadcastRequest
	if err := self.readJson(w, r, &request); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	event, err := ParseEvent(request.Type, request.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return event, true
}

func (self *Server) handleBroadcastBoard(w http.ResponseWriter, r *http.Request) {
	if event, ok := self.readBroadcastEvent(w, r); ok {
		delivered := self.broadcaster.BroadcastToBoard(mux.Vars(r)["boardId"], event)
		writeJson(w, http.StatusOK, &BroadcastResponse{Delivered: delivered})
	}
}

func (self *Server) handleBroadcastWorkspace(w http.ResponseWriter, r *http.Request) {
	if event, ok := self.readBroadcastEvent(w, r); ok {
		delivered := self.broadcaster.BroadcastToWorkspace(mux.Vars(r)["workspaceId"], event)
		writeJson(w, http.StatusOK, &BroadcastResponse{Delivered: delivered})
	}
}

func (self *Server) handleBroadcastUser(w http.ResponseWriter, r *http.Request) {
	if event, ok := self.readBroadcastEvent(w, r); ok {
		delivered := self.broadcaster.BroadcastToUser(mux.Vars(r)["userId"], event)
		writeJson(w, http.StatusOK, &BroadcastResponse{Delivered: delivered})
	}
}

type CellEditRequest struct {
	BoardId    string     `json:"boardId"`
	ItemId     string     `json:"itemId"`
	ColumnId   string     `json:"columnId"`
	ColumnType ColumnType `json:"columnType"`
	// the user the service is acting for. Defaults to the service identity.
	UserId string `json:"userId,omitempty"`
	Value  any    `json:"value"`
	// defaults to the time the request is received
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Resolves and writes the edit. An accepted edit is published to the board as
// `item:updated`. A rejected edit is reported to the editing user as `conflict:detected`.
func (self *Server) handleCellEdit(w http.ResponseWriter, r *http.Request) {
	cellId := mux.Vars(r)["cellId"]

	var request CellEditRequest
	if err := self.readJson(w, r, &request); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if request.ItemId == "" {
		writeError(w, http.StatusBadRequest, errors.New("Missing itemId."))
		return
	}

	edit := &CellEdit{
		ItemId:   request.ItemId,
		CellId:   cellId,
		ColumnId: request.ColumnId,
		UserId:   request.UserId,
		Value:    request.Value,
	}
	if edit.UserId == "" {
		edit.UserId = requestJwt(r).UserId
	}
	if request.Timestamp != nil {
		edit.Timestamp = *request.Timestamp
	} else {
		edit.Timestamp = self.hub.Now()
	}

	resolution, err := self.resolver.Apply(r.Context(), cellId, request.ColumnType, edit)
	if err != nil {
		glog.Infof("[s]cell %s error = %s\n", cellId, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if resolution.Resolved {
		if request.BoardId != "" {
			self.broadcaster.BroadcastToBoard(request.BoardId, &ItemUpdatedEvent{
				ItemId:   edit.ItemId,
				CellId:   cellId,
				ColumnId: edit.ColumnId,
				Value:    resolution.Value,
			})
		}
	} else {
		self.broadcaster.BroadcastToUser(edit.UserId, &ConflictDetectedEvent{
			ItemId:   edit.ItemId,
			CellId:   cellId,
			ColumnId: edit.ColumnId,
			Conflict: resolution.Conflict,
		})
	}
	writeJson(w, http.StatusOK, resolution)
}

type CheckConflictResponse struct {
	Conflict bool `json:"conflict"`
}

func (self *Server) handleCheckConflict(w http.ResponseWriter, r *http.Request) {
	cellId := mux.Vars(r)["cellId"]
	timestamp, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("Bad timestamp: %w", err))
		return
	}
	conflict, err := self.resolver.CheckConflict(r.Context(), cellId, timestamp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, &CheckConflictResponse{Conflict: conflict})
}

func (self *Server) handleItemViewers(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, self.presence.GetItemViewers(mux.Vars(r)["itemId"]))
}

func (self *Server) handleItemEditors(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, self.presence.GetItemEditors(mux.Vars(r)["itemId"]))
}

func (self *Server) handleCellEditors(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, self.presence.GetCellEditors(mux.Vars(r)["cellId"]))
}

func (self *Server) readJson(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, self.settings.MaxBodySize)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("Bad request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJson(w, statusCode, &errorResponse{Error: err.Error()})
}

func writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("[s]write error = %s\n", err)
	}
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// called after a client has been removed from the registry and its transport closed
type DisconnectFunction = func(client *Client)

// handles a client message type the hub does not handle itself
type MessageHandlerFunction = func(client *Client, message *ClientMessage)

type HubSettings struct {
	Now NowFunction
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		Now: defaultNow,
	}
}

// a live connection. Created on successful authentication, destroyed on
// close, transport error, or heartbeat timeout.
type Client struct {
	ClientId    Id
	UserId      string
	ConnectedAt time.Time

	transport Transport

	stateLock            sync.Mutex
	lastLiveness         time.Time
	subscribedBoards     idSet
	subscribedWorkspaces idSet
}

func (self *Client) LastLiveness() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastLiveness
}

func (self *Client) touch(now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastLiveness = now
}

func (self *Client) Transport() Transport {
	return self.transport
}

// The connection registry. Owns every live client and dispatches inbound messages.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	verifier TokenVerifier
	settings *HubSettings

	stateLock   sync.Mutex
	clients     map[Id]*Client
	userClients map[string]map[Id]*Client

	disconnectCallbacks *CallbackList[DisconnectFunction]

	messageHandlersLock sync.Mutex
	messageHandlers     map[ClientMessageType]MessageHandlerFunction
}

func NewHubWithDefaults(ctx context.Context, verifier TokenVerifier) *Hub {
	return NewHub(ctx, verifier, DefaultHubSettings())
}

func NewHub(ctx context.Context, verifier TokenVerifier, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:                 cancelCtx,
		cancel:              cancel,
		verifier:            verifier,
		settings:            settings,
		clients:             map[Id]*Client{},
		userClients:         map[string]map[Id]*Client{},
		disconnectCallbacks: NewCallbackList[DisconnectFunction](),
		messageHandlers:     map[ClientMessageType]MessageHandlerFunction{},
	}
}

func (self *Hub) AddDisconnectCallback(disconnectCallback DisconnectFunction) func() {
	callbackId := self.disconnectCallbacks.Add(disconnectCallback)
	return func() {
		self.disconnectCallbacks.Remove(callbackId)
	}
}

func (self *Hub) SetMessageHandler(messageType ClientMessageType, handler MessageHandlerFunction) {
	self.messageHandlersLock.Lock()
	defer self.messageHandlersLock.Unlock()
	self.messageHandlers[messageType] = handler
}

func (self *Hub) messageHandler(messageType ClientMessageType) (MessageHandlerFunction, bool) {
	self.messageHandlersLock.Lock()
	defer self.messageHandlersLock.Unlock()
	handler, ok := self.messageHandlers[messageType]
	return handler, ok
}

// Authenticates the token and registers a new client. On failure the transport is
// closed with an authentication status and no client is registered.
func (self *Hub) Connect(transport Transport, authToken string) (*Client, error) {
	if self.ctx.Err() != nil {
		transport.Close(CloseGoingAway, "Shutting down")
		return nil, errors.New("Hub closed.")
	}

	var authErr *AuthError
	if authToken == "" {
		authErr = &AuthError{Required: true, Err: ErrMissingToken}
	} else if byJwt, err := self.verifier.Verify(authToken); err != nil {
		authErr = &AuthError{Err: err}
	} else {
		now := self.settings.Now()
		client := &Client{
			ClientId:             NewId(),
			UserId:               byJwt.UserId,
			ConnectedAt:          now,
			transport:            transport,
			lastLiveness:         now,
			subscribedBoards:     idSet{},
			subscribedWorkspaces: idSet{},
		}

		// `Close` cancels before it snapshots the registry, so a client inserted
		// under the lock after cancel would never be disconnected
		registered := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.ctx.Err() != nil {
				return false
			}
			self.clients[client.ClientId] = client
			userClients, ok := self.userClients[client.UserId]
			if !ok {
				userClients = map[Id]*Client{}
				self.userClients[client.UserId] = userClients
			}
			userClients[client.ClientId] = client
			return true
		}()
		if !registered {
			transport.Close(CloseGoingAway, "Shutting down")
			return nil, errors.New("Hub closed.")
		}
		glog.V(1).Infof("[h]connect %s user=%s\n", client.ClientId, client.UserId)

		self.SendToClient(client.ClientId, &ConnectEvent{
			ClientId: client.ClientId,
			UserId:   client.UserId,
		})
		return client, nil
	}

	glog.Infof("[h]auth error = %s\n", authErr)
	transport.Close(authErr.CloseCode(), authErr.CloseReason())
	return nil, authErr
}

// Removes the client, its subscriptions, and runs the disconnect callbacks.
// Returns false if the client was already gone.
func (self *Hub) Disconnect(clientId Id) bool {
	var client *Client
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		client, ok = self.clients[clientId]
		if !ok {
			return
		}
		delete(self.clients, clientId)
		if userClients, ok := self.userClients[client.UserId]; ok {
			delete(userClients, clientId)
			if len(userClients) == 0 {
				delete(self.userClients, client.UserId)
			}
		}
	}()
	if client == nil {
		return false
	}
	glog.V(1).Infof("[h]disconnect %s user=%s\n", client.ClientId, client.UserId)

	client.clearSubscriptions()
	if client.transport.IsOpen() {
		client.transport.Close(CloseNormalClosure, "")
	}

	// a failing callback must not stop the cascade or the hub
	for _, disconnectCallback := range self.disconnectCallbacks.Get() {
		HandleError(func() {
			disconnectCallback(client)
		})
	}
	return true
}

func (self *Hub) HandleMessage(clientId Id, messageBytes []byte) {
	client, ok := self.Client(clientId)
	if !ok {
		return
	}

	message, err := ParseClientMessage(messageBytes)
	if err != nil {
		glog.V(1).Infof("[h]%s<- %s\n", clientId, err)
		self.SendToClient(clientId, &ErrorEvent{
			Error: err.Error(),
		})
		return
	}
	glog.V(2).Infof("[h]%s<- %s\n", clientId, message.Type)

	switch message.Type {
	case ClientMessageTypePing:
		client.touch(self.settings.Now())
		self.SendToClient(clientId, &PongEvent{})
	case ClientMessageTypeSubscribeBoard:
		self.SubscribeBoard(clientId, message.Payload.BoardId)
	case ClientMessageTypeUnsubscribeBoard:
		self.UnsubscribeBoard(clientId, message.Payload.BoardId)
	case ClientMessageTypeSubscribeWorkspace:
		self.SubscribeWorkspace(clientId, message.Payload.WorkspaceId)
	case ClientMessageTypeUnsubscribeWorkspace:
		self.UnsubscribeWorkspace(clientId, message.Payload.WorkspaceId)
	default:
		if handler, ok := self.messageHandler(message.Type); ok {
			HandleError(func() {
				handler(client, message)
			})
		} else {
			glog.Infof("[h]%s<- unknown message type %s\n", clientId, message.Type)
		}
	}
}

func (self *Hub) Client(clientId Id) (*Client, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	client, ok := self.clients[clientId]
	return client, ok
}

// snapshot of all registered clients
func (self *Hub) Clients() []*Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clients := make([]*Client, 0, len(self.clients))
	for _, client := range self.clients {
		clients = append(clients, client)
	}
	return clients
}

func (self *Hub) ClientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.clients)
}

func (self *Hub) UserClients(userId string) []*Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	userClients := self.userClients[userId]
	clients := make([]*Client, 0, len(userClients))
	for _, client := range userClients {
		clients = append(clients, client)
	}
	return clients
}

func (self *Hub) Now() time.Time {
	return self.settings.Now()
}

func (self *Hub) Done() <-chan struct{} {
	return self.ctx.Done()
}

// disconnects every client
func (self *Hub) Close() {
	self.cancel()
	for _, client := range self.Clients() {
		self.Disconnect(client.ClientId)
	}
}

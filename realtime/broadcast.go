package realtime

import (
	"encoding/json"
	"errors"

	"github.com/golang/glog"
)

// board scoped fan-out used by presence
type BoardBroadcaster interface {
	BroadcastToBoard(boardId string, event Event) int
}

// Fan-out API for the REST layer. Delivery is best effort and at most once:
// a client that is not connected when the event is published misses it.
type Broadcaster struct {
	hub *Hub
}

func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{
		hub: hub,
	}
}

// returns the number of clients the event was queued to
func (self *Broadcaster) BroadcastToBoard(boardId string, event Event) int {
	envelope := &Envelope{
		Payload:   event,
		Timestamp: self.hub.Now(),
		BoardId:   boardId,
	}
	return self.hub.deliver(self.hub.boardClients(boardId), envelope)
}

func (self *Broadcaster) BroadcastToWorkspace(workspaceId string, event Event) int {
	envelope := &Envelope{
		Payload:     event,
		Timestamp:   self.hub.Now(),
		WorkspaceId: workspaceId,
	}
	return self.hub.deliver(self.hub.workspaceClients(workspaceId), envelope)
}

// every client of the user, across devices
func (self *Broadcaster) BroadcastToUser(userId string, event Event) int {
	envelope := &Envelope{
		Payload:   event,
		Timestamp: self.hub.Now(),
		UserId:    userId,
	}
	return self.hub.deliver(self.hub.UserClients(userId), envelope)
}

func (self *Hub) SendToClient(clientId Id, event Event) bool {
	client, ok := self.Client(clientId)
	if !ok {
		return false
	}
	envelope := &Envelope{
		Payload:   event,
		Timestamp: self.settings.Now(),
		UserId:    client.UserId,
	}
	return self.deliver([]*Client{client}, envelope) == 1
}

// The envelope is encoded once. Sends never block: a full client buffer drops
// the message for that client only, and a closed transport disconnects the client.
func (self *Hub) deliver(clients []*Client, envelope *Envelope) int {
	if len(clients) == 0 {
		return 0
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		glog.Infof("[b]encode %s error = %s\n", envelope.Type(), err)
		return 0
	}

	delivered := 0
	closedClientIds := []Id{}
	for _, client := range clients {
		if !client.transport.IsOpen() {
			closedClientIds = append(closedClientIds, client.ClientId)
			continue
		}
		err := client.transport.Send(envelopeBytes)
		switch {
		case err == nil:
			delivered += 1
		case errors.Is(err, ErrSendBufferFull):
			glog.Infof("[b]drop %s %s->\n", envelope.Type(), client.ClientId)
		default:
			glog.Infof("[b]%s-> error = %s\n", client.ClientId, err)
			closedClientIds = append(closedClientIds, client.ClientId)
		}
	}
	for _, clientId := range closedClientIds {
		self.Disconnect(clientId)
	}
	glog.V(2).Infof("[b]%s delivered=%d/%d\n", envelope.Type(), delivered, len(clients))
	return delivered
}

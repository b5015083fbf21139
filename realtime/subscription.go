package realtime

import (
	"github.com/golang/glog"
)

// Subscriptions are idempotent set operations on the client.
// There is no access check here. Board access is enforced by the REST layer.

func (self *Hub) SubscribeBoard(clientId Id, boardId string) bool {
	return self.updateSubscription(clientId, func(client *Client) {
		client.subscribedBoards.add(boardId)
	})
}

func (self *Hub) UnsubscribeBoard(clientId Id, boardId string) bool {
	return self.updateSubscription(clientId, func(client *Client) {
		client.subscribedBoards.remove(boardId)
	})
}

func (self *Hub) SubscribeWorkspace(clientId Id, workspaceId string) bool {
	return self.updateSubscription(clientId, func(client *Client) {
		client.subscribedWorkspaces.add(workspaceId)
	})
}

func (self *Hub) UnsubscribeWorkspace(clientId Id, workspaceId string) bool {
	return self.updateSubscription(clientId, func(client *Client) {
		client.subscribedWorkspaces.remove(workspaceId)
	})
}

func (self *Hub) updateSubscription(clientId Id, update func(client *Client)) bool {
	client, ok := self.Client(clientId)
	if !ok {
		return false
	}
	func() {
		client.stateLock.Lock()
		defer client.stateLock.Unlock()
		update(client)
	}()
	glog.V(2).Infof("[s]%s boards=%d workspaces=%d\n", clientId, len(client.SubscribedBoards()), len(client.SubscribedWorkspaces()))
	return true
}

// clients subscribed to the board
func (self *Hub) boardClients(boardId string) []*Client {
	return self.filterClients(func(client *Client) bool {
		return client.IsSubscribedToBoard(boardId)
	})
}

// clients subscribed to the workspace
func (self *Hub) workspaceClients(workspaceId string) []*Client {
	return self.filterClients(func(client *Client) bool {
		return client.IsSubscribedToWorkspace(workspaceId)
	})
}

func (self *Hub) filterClients(match func(client *Client) bool) []*Client {
	matches := []*Client{}
	for _, client := range self.Clients() {
		if match(client) {
			matches = append(matches, client)
		}
	}
	return matches
}

func (self *Client) SubscribedBoards() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribedBoards.values()
}

func (self *Client) SubscribedWorkspaces() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribedWorkspaces.values()
}

func (self *Client) IsSubscribedToBoard(boardId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribedBoards.contains(boardId)
}

func (self *Client) IsSubscribedToWorkspace(workspaceId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribedWorkspaces.contains(workspaceId)
}

func (self *Client) clearSubscriptions() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscribedBoards = idSet{}
	self.subscribedWorkspaces = idSet{}
}

package realtime

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type ActiveViewer struct {
	UserId     string    `json:"userId"`
	UserName   string    `json:"userName"`
	UserAvatar string    `json:"userAvatar,omitempty"`
	ViewedAt   time.Time `json:"viewedAt"`
}

type ActiveEditor struct {
	UserId     string    `json:"userId"`
	UserName   string    `json:"userName"`
	UserAvatar string    `json:"userAvatar,omitempty"`
	CellId     string    `json:"cellId,omitempty"`
	ColumnId   string    `json:"columnId,omitempty"`
	EditingAt  time.Time `json:"editingAt"`
}

type PresenceSettings struct {
	ViewerTimeout   time.Duration
	EditorTimeout   time.Duration
	CleanupInterval time.Duration
	Now             NowFunction
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		ViewerTimeout:   5 * time.Minute,
		EditorTimeout:   2 * time.Minute,
		CleanupInterval: 60 * time.Second,
		Now:             defaultNow,
	}
}

// the board is recorded with the item so changes can be broadcast to the board
type itemViewers struct {
	boardId string
	// user id -> viewer
	viewers map[string]*ActiveViewer
}

type itemEditors struct {
	boardId string
	// user id -> editor
	editors map[string]*ActiveEditor
}

// a presence list to broadcast after the state lock is released
type presenceChange struct {
	boardId string
	event   Event
}

// Ephemeral "who is viewing/editing what" state. Nothing is persisted.
// Editors are indexed by item and by cell.
// Reads filter by TTL at read time. The sweep bounds memory.
type PresenceTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	broadcaster BoardBroadcaster
	settings    *PresenceSettings

	stateLock sync.Mutex
	// item id -> viewers
	itemViewers map[string]*itemViewers
	// item id -> editors
	itemEditors map[string]*itemEditors
	// cell id -> user id -> editor
	cellEditors map[string]map[string]*ActiveEditor
}

func NewPresenceTrackerWithDefaults(ctx context.Context, broadcaster BoardBroadcaster) *PresenceTracker {
	return NewPresenceTracker(ctx, broadcaster, DefaultPresenceSettings())
}

func NewPresenceTracker(ctx context.Context, broadcaster BoardBroadcaster, settings *PresenceSettings) *PresenceTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PresenceTracker{
		ctx:         cancelCtx,
		cancel:      cancel,
		broadcaster: broadcaster,
		settings:    settings,
		itemViewers: map[string]*itemViewers{},
		itemEditors: map[string]*itemEditors{},
		cellEditors: map[string]map[string]*ActiveEditor{},
	}
}

// Cleans up a user's presence when any of their clients disconnects, and maps the
// presence client messages onto the tracker.
func (self *PresenceTracker) AttachHub(hub *Hub) func() {
	removeCallback := hub.AddDisconnectCallback(func(client *Client) {
		self.CleanupUserPresence(client.UserId)
	})

	hub.SetMessageHandler(ClientMessageTypeViewStart, func(client *Client, message *ClientMessage) {
		p := message.Payload
		self.TrackView(p.BoardId, p.ItemId, client.UserId, p.UserName, p.UserAvatar)
	})
	hub.SetMessageHandler(ClientMessageTypeViewStop, func(client *Client, message *ClientMessage) {
		self.UntrackView(message.Payload.ItemId, client.UserId)
	})
	hub.SetMessageHandler(ClientMessageTypeEditStart, func(client *Client, message *ClientMessage) {
		p := message.Payload
		self.TrackCellEdit(p.BoardId, p.ItemId, p.CellId, p.ColumnId, client.UserId, p.UserName, p.UserAvatar)
	})
	hub.SetMessageHandler(ClientMessageTypeEditStop, func(client *Client, message *ClientMessage) {
		self.UntrackCellEdit(message.Payload.ItemId, message.Payload.CellId, client.UserId)
	})

	return removeCallback
}

func (self *PresenceTracker) Run() {
	defer self.cancel()

	ticker := time.NewTicker(self.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			HandleError(func() {
				self.CleanupStalePresence()
			})
		}
	}
}

func (self *PresenceTracker) Close() {
	self.cancel()
}

func (self *PresenceTracker) TrackView(boardId string, itemId string, userId string, userName string, userAvatar string) {
	var change *presenceChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := self.settings.Now()
		viewers, ok := self.itemViewers[itemId]
		if !ok {
			viewers = &itemViewers{
				viewers: map[string]*ActiveViewer{},
			}
			self.itemViewers[itemId] = viewers
		}
		if boardId != "" {
			viewers.boardId = boardId
		}
		viewers.viewers[userId] = &ActiveViewer{
			UserId:     userId,
			UserName:   userName,
			UserAvatar: userAvatar,
			ViewedAt:   now,
		}
		change = self.viewersChange(itemId, now)
	}()
	self.broadcast(change)
}

// Removes the viewer and drops the item's map when it becomes empty.
// The updated list is broadcast either way.
func (self *PresenceTracker) UntrackView(itemId string, userId string) {
	var change *presenceChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		viewers, ok := self.itemViewers[itemId]
		if !ok {
			return
		}
		if _, ok := viewers.viewers[userId]; !ok {
			return
		}
		delete(viewers.viewers, userId)
		change = self.viewersChange(itemId, self.settings.Now())
		if len(viewers.viewers) == 0 {
			delete(self.itemViewers, itemId)
			change = &presenceChange{
				boardId: viewers.boardId,
				event: &ViewersChangedEvent{
					ItemId:  itemId,
					Viewers: []*ActiveViewer{},
				},
			}
		}
	}()
	self.broadcast(change)
}

func (self *PresenceTracker) TrackCellEdit(
	boardId string,
	itemId string,
	cellId string,
	columnId string,
	userId string,
	userName string,
	userAvatar string,
) {
	var change *presenceChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := self.settings.Now()
		editor := &ActiveEditor{
			UserId:     userId,
			UserName:   userName,
			UserAvatar: userAvatar,
			CellId:     cellId,
			ColumnId:   columnId,
			EditingAt:  now,
		}

		editors, ok := self.itemEditors[itemId]
		if !ok {
			editors = &itemEditors{
				editors: map[string]*ActiveEditor{},
			}
			self.itemEditors[itemId] = editors
		}
		if boardId != "" {
			editors.boardId = boardId
		}
		editors.editors[userId] = editor

		if cellId != "" {
			cellEditors, ok := self.cellEditors[cellId]
			if !ok {
				cellEditors = map[string]*ActiveEditor{}
				self.cellEditors[cellId] = cellEditors
			}
			// the two indexes never share a pointer
			cellEditor := *editor
			cellEditors[userId] = &cellEditor
		}

		change = self.editorsChange(itemId, cellId, now)
	}()
	self.broadcast(change)
}

func (self *PresenceTracker) UntrackCellEdit(itemId string, cellId string, userId string) {
	var change *presenceChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		removed := false
		if cellEditors, ok := self.cellEditors[cellId]; ok {
			if _, ok := cellEditors[userId]; ok {
				delete(cellEditors, userId)
				removed = true
			}
			if len(cellEditors) == 0 {
				delete(self.cellEditors, cellId)
			}
		}
		editors, ok := self.itemEditors[itemId]
		if ok {
			if _, ok := editors.editors[userId]; ok {
				delete(editors.editors, userId)
				removed = true
			}
		}
		if !removed || !ok {
			return
		}
		change = &presenceChange{
			boardId: editors.boardId,
			event: &EditorsChangedEvent{
				ItemId:  itemId,
				CellId:  cellId,
				Editors: activeEditors(editors.editors, self.settings.Now(), self.settings.EditorTimeout),
			},
		}
		if len(editors.editors) == 0 {
			delete(self.itemEditors, itemId)
		}
	}()
	self.broadcast(change)
}

// viewers seen within the viewer timeout, oldest first
func (self *PresenceTracker) GetItemViewers(itemId string) []*ActiveViewer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	viewers, ok := self.itemViewers[itemId]
	if !ok {
		return []*ActiveViewer{}
	}
	return activeViewers(viewers.viewers, self.settings.Now(), self.settings.ViewerTimeout)
}

func (self *PresenceTracker) GetItemEditors(itemId string) []*ActiveEditor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	editors, ok := self.itemEditors[itemId]
	if !ok {
		return []*ActiveEditor{}
	}
	return activeEditors(editors.editors, self.settings.Now(), self.settings.EditorTimeout)
}

func (self *PresenceTracker) GetCellEditors(cellId string) []*ActiveEditor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return activeEditors(self.cellEditors[cellId], self.settings.Now(), self.settings.EditorTimeout)
}

// Deletes every entry past its TTL from all three maps and broadcasts the lists
// of the items that changed. Returns the number of entries removed.
func (self *PresenceTracker) CleanupStalePresence() int {
	removedCount := 0
	changes := []*presenceChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := self.settings.Now()
		viewerCutoff := now.Add(-self.settings.ViewerTimeout)
		editorCutoff := now.Add(-self.settings.EditorTimeout)

		for itemId, viewers := range self.itemViewers {
			n := len(viewers.viewers)
			maps.DeleteFunc(viewers.viewers, func(userId string, viewer *ActiveViewer) bool {
				return viewer.ViewedAt.Before(viewerCutoff)
			})
			if removed := n - len(viewers.viewers); 0 < removed {
				removedCount += removed
				changes = append(changes, self.viewersChange(itemId, now))
			}
			if len(viewers.viewers) == 0 {
				delete(self.itemViewers, itemId)
			}
		}

		for itemId, editors := range self.itemEditors {
			n := len(editors.editors)
			maps.DeleteFunc(editors.editors, func(userId string, editor *ActiveEditor) bool {
				return editor.EditingAt.Before(editorCutoff)
			})
			if removed := n - len(editors.editors); 0 < removed {
				removedCount += removed
				changes = append(changes, self.editorsChange(itemId, "", now))
			}
			if len(editors.editors) == 0 {
				delete(self.itemEditors, itemId)
			}
		}

		for cellId, cellEditors := range self.cellEditors {
			n := len(cellEditors)
			maps.DeleteFunc(cellEditors, func(userId string, editor *ActiveEditor) bool {
				return editor.EditingAt.Before(editorCutoff)
			})
			removedCount += n - len(cellEditors)
			if len(cellEditors) == 0 {
				delete(self.cellEditors, cellId)
			}
		}
	}()

	if 0 < removedCount {
		glog.V(1).Infof("[p]cleanup removed=%d\n", removedCount)
	}
	for _, change := range changes {
		self.broadcast(change)
	}
	return removedCount
}

// Removes every viewer and editor entry of the user, across all items and cells,
// and broadcasts the lists of the items that changed.
func (self *PresenceTracker) CleanupUserPresence(userId string) {
	changes := []*presenceChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := self.settings.Now()

		for itemId, viewers := range self.itemViewers {
			if _, ok := viewers.viewers[userId]; !ok {
				continue
			}
			delete(viewers.viewers, userId)
			changes = append(changes, self.viewersChange(itemId, now))
			if len(viewers.viewers) == 0 {
				delete(self.itemViewers, itemId)
			}
		}

		for itemId, editors := range self.itemEditors {
			if _, ok := editors.editors[userId]; !ok {
				continue
			}
			delete(editors.editors, userId)
			changes = append(changes, self.editorsChange(itemId, "", now))
			if len(editors.editors) == 0 {
				delete(self.itemEditors, itemId)
			}
		}

		for cellId, cellEditors := range self.cellEditors {
			delete(cellEditors, userId)
			if len(cellEditors) == 0 {
				delete(self.cellEditors, cellId)
			}
		}
	}()

	glog.V(1).Infof("[p]cleanup user %s changed=%d\n", userId, len(changes))
	for _, change := range changes {
		self.broadcast(change)
	}
}

// entry counts across the three maps
func (self *PresenceTracker) Size() (viewerCount int, itemEditorCount int, cellEditorCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, viewers := range self.itemViewers {
		viewerCount += len(viewers.viewers)
	}
	for _, editors := range self.itemEditors {
		itemEditorCount += len(editors.editors)
	}
	for _, cellEditors := range self.cellEditors {
		cellEditorCount += len(cellEditors)
	}
	return
}

// must be called with `stateLock`
func (self *PresenceTracker) viewersChange(itemId string, now time.Time) *presenceChange {
	viewers, ok := self.itemViewers[itemId]
	if !ok {
		return nil
	}
	return &presenceChange{
		boardId: viewers.boardId,
		event: &ViewersChangedEvent{
			ItemId:  itemId,
			Viewers: activeViewers(viewers.viewers, now, self.settings.ViewerTimeout),
		},
	}
}

// must be called with `stateLock`
func (self *PresenceTracker) editorsChange(itemId string, cellId string, now time.Time) *presenceChange {
	editors, ok := self.itemEditors[itemId]
	if !ok {
		return nil
	}
	return &presenceChange{
		boardId: editors.boardId,
		event: &EditorsChangedEvent{
			ItemId:  itemId,
			CellId:  cellId,
			Editors: activeEditors(editors.editors, now, self.settings.EditorTimeout),
		},
	}
}

func (self *PresenceTracker) broadcast(change *presenceChange) {
	if change == nil || change.boardId == "" || self.broadcaster == nil {
		return
	}
	self.broadcaster.BroadcastToBoard(change.boardId, change.event)
}

// copies of the entries within `timeout` of `now`, oldest first
func activeViewers(viewers map[string]*ActiveViewer, now time.Time, timeout time.Duration) []*ActiveViewer {
	cutoff := now.Add(-timeout)
	active := []*ActiveViewer{}
	for _, viewer := range viewers {
		if viewer.ViewedAt.Before(cutoff) {
			continue
		}
		viewerCopy := *viewer
		active = append(active, &viewerCopy)
	}
	slices.SortFunc(active, func(a *ActiveViewer, b *ActiveViewer) int {
		return a.ViewedAt.Compare(b.ViewedAt)
	})
	return active
}

func activeEditors(editors map[string]*ActiveEditor, now time.Time, timeout time.Duration) []*ActiveEditor {
	cutoff := now.Add(-timeout)
	active := []*ActiveEditor{}
	for _, editor := range editors {
		if editor.EditingAt.Before(cutoff) {
			continue
		}
		editorCopy := *editor
		active = append(active, &editorCopy)
	}
	slices.SortFunc(active, func(a *ActiveEditor, b *ActiveEditor) int {
		return a.EditingAt.Compare(b.EditingAt)
	})
	return active
}

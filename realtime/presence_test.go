package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestPresence(t *testing.T) (*PresenceTracker, *captureBroadcaster, *testClock) {
	clock := newTestClock()
	broadcaster := &captureBroadcaster{}
	settings := DefaultPresenceSettings()
	settings.Now = clock.Now
	presence := NewPresenceTracker(context.Background(), broadcaster, settings)
	t.Cleanup(presence.Close)
	return presence, broadcaster, clock
}

func userIds[T any](entries []T, userId func(T) string) []string {
	ids := []string{}
	for _, entry := range entries {
		ids = append(ids, userId(entry))
	}
	return ids
}

func viewerUserIds(viewers []*ActiveViewer) []string {
	return userIds(viewers, func(viewer *ActiveViewer) string {
		return viewer.UserId
	})
}

func editorUserIds(editors []*ActiveEditor) []string {
	return userIds(editors, func(editor *ActiveEditor) string {
		return editor.UserId
	})
}

func TestViewerTtl(t *testing.T) {
	presence, _, clock := newTestPresence(t)

	presence.TrackView("b1", "i1", "u1", "One", "")

	clock.Advance(4 * time.Minute)
	assert.Equal(t, viewerUserIds(presence.GetItemViewers("i1")), []string{"u1"})

	clock.Advance(2 * time.Minute)
	assert.Equal(t, len(presence.GetItemViewers("i1")), 0)
}

func TestViewerExpiresAfterFiveMinutes(t *testing.T) {
	presence, _, clock := newTestPresence(t)

	presence.TrackView("b1", "i7", "u1", "One", "")
	clock.Advance(301 * time.Second)
	assert.Equal(t, presence.GetItemViewers("i7"), []*ActiveViewer{})
}

func TestEditorTtl(t *testing.T) {
	presence, _, clock := newTestPresence(t)

	presence.TrackCellEdit("b1", "i1", "c1", "col1", "u1", "One", "")

	clock.Advance(90 * time.Second)
	assert.Equal(t, editorUserIds(presence.GetItemEditors("i1")), []string{"u1"})
	assert.Equal(t, editorUserIds(presence.GetCellEditors("c1")), []string{"u1"})

	clock.Advance(60 * time.Second)
	assert.Equal(t, len(presence.GetItemEditors("i1")), 0)
	assert.Equal(t, len(presence.GetCellEditors("c1")), 0)
}

func TestTrackViewRefreshes(t *testing.T) {
	presence, broadcaster, clock := newTestPresence(t)

	presence.TrackView("b1", "i1", "u1", "One", "")
	clock.Advance(4 * time.Minute)
	presence.TrackView("b1", "i1", "u1", "One", "https://example.com/one.png")
	clock.Advance(4 * time.Minute)

	viewers := presence.GetItemViewers("i1")
	assert.Equal(t, len(viewers), 1)
	assert.Equal(t, viewers[0].UserAvatar, "https://example.com/one.png")
	assert.Equal(t, broadcaster.count(), 2)
}

func TestViewersOrderedByViewTime(t *testing.T) {
	presence, _, clock := newTestPresence(t)

	for _, userId := range []string{"u3", "u1", "u2"} {
		presence.TrackView("b1", "i1", userId, userId, "")
		clock.Advance(time.Second)
	}
	assert.Equal(t, viewerUserIds(presence.GetItemViewers("i1")), []string{"u3", "u1", "u2"})
}

func TestPresenceBroadcastsToBoard(t *testing.T) {
	presence, broadcaster, _ := newTestPresence(t)

	presence.TrackView("b1", "i1", "u1", "One", "")
	boardId, event := broadcaster.last()
	assert.Equal(t, boardId, "b1")
	viewersEvent := event.(*ViewersChangedEvent)
	assert.Equal(t, viewersEvent.ItemId, "i1")
	assert.Equal(t, viewerUserIds(viewersEvent.Viewers), []string{"u1"})

	presence.TrackCellEdit("b1", "i1", "c1", "col1", "u2", "Two", "")
	boardId, event = broadcaster.last()
	assert.Equal(t, boardId, "b1")
	editorsEvent := event.(*EditorsChangedEvent)
	assert.Equal(t, editorsEvent.CellId, "c1")
	assert.Equal(t, editorUserIds(editorsEvent.Editors), []string{"u2"})
	assert.Equal(t, editorsEvent.Editors[0].ColumnId, "col1")

	presence.UntrackView("i1", "u1")
	_, event = broadcaster.last()
	assert.Equal(t, event.(*ViewersChangedEvent).Viewers, []*ActiveViewer{})

	presence.UntrackCellEdit("i1", "c1", "u2")
	_, event = broadcaster.last()
	assert.Equal(t, len(event.(*EditorsChangedEvent).Editors), 0)

	// removing an absent entry broadcasts nothing
	count := broadcaster.count()
	presence.UntrackView("i1", "u1")
	presence.UntrackCellEdit("i1", "c1", "u2")
	assert.Equal(t, broadcaster.count(), count)
}

func TestEditorIndexesAgree(t *testing.T) {
	presence, _, clock := newTestPresence(t)

	presence.TrackCellEdit("b1", "i1", "c1", "col1", "u1", "One", "")
	clock.Advance(time.Second)
	presence.TrackCellEdit("b1", "i1", "c2", "col2", "u2", "Two", "")
	clock.Advance(time.Second)
	// moving to another cell of the same item
	presence.TrackCellEdit("b1", "i1", "c3", "col3", "u1", "One", "")

	itemEditors := presence.GetItemEditors("i1")
	assert.Equal(t, editorUserIds(itemEditors), []string{"u2", "u1"})
	assert.Equal(t, itemEditors[1].CellId, "c3")
	assert.Equal(t, editorUserIds(presence.GetCellEditors("c2")), []string{"u2"})
	assert.Equal(t, editorUserIds(presence.GetCellEditors("c3")), []string{"u1"})

	presence.UntrackCellEdit("i1", "c2", "u2")
	assert.Equal(t, editorUserIds(presence.GetItemEditors("i1")), []string{"u1"})
	assert.Equal(t, len(presence.GetCellEditors("c2")), 0)
}

func TestReadsReturnCopies(t *testing.T) {
	presence, _, _ := newTestPresence(t)

	presence.TrackView("b1", "i1", "u1", "One", "")
	viewers := presence.GetItemViewers("i1")
	viewers[0].UserName = "Changed"
	assert.Equal(t, presence.GetItemViewers("i1")[0].UserName, "One")
}

func TestCleanupStalePresence(t *testing.T) {
	presence, broadcaster, clock := newTestPresence(t)

	presence.TrackView("b1", "i1", "old", "Old", "")
	presence.TrackCellEdit("b1", "i1", "c1", "col1", "old", "Old", "")
	clock.Advance(4 * time.Minute)
	presence.TrackView("b1", "i1", "new", "New", "")

	// the editor is past its ttl, the old viewer is not yet
	assert.Equal(t, presence.CleanupStalePresence(), 2)
	viewerCount, itemEditorCount, cellEditorCount := presence.Size()
	assert.Equal(t, viewerCount, 2)
	assert.Equal(t, itemEditorCount, 0)
	assert.Equal(t, cellEditorCount, 0)
	_, event := broadcaster.last()
	assert.Equal(t, event.EventType(), EventTypeEditorsChanged)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, presence.CleanupStalePresence(), 1)
	_, event = broadcaster.last()
	assert.Equal(t, viewerUserIds(event.(*ViewersChangedEvent).Viewers), []string{"new"})

	clock.Advance(5 * time.Minute)
	assert.Equal(t, presence.CleanupStalePresence(), 1)
	viewerCount, _, _ = presence.Size()
	assert.Equal(t, viewerCount, 0)

	assert.Equal(t, presence.CleanupStalePresence(), 0)
}

func TestCleanupUserPresence(t *testing.T) {
	presence, _, _ := newTestPresence(t)

	for i := 0; i < 8; i += 1 {
		itemId := fmt.Sprintf("i%d", i)
		presence.TrackView("b1", itemId, "u1", "One", "")
		presence.TrackView("b1", itemId, "u2", "Two", "")
		presence.TrackCellEdit("b1", itemId, fmt.Sprintf("c%d", i), "col1", "u1", "One", "")
	}

	presence.CleanupUserPresence("u1")

	viewerCount, itemEditorCount, cellEditorCount := presence.Size()
	assert.Equal(t, viewerCount, 8)
	assert.Equal(t, itemEditorCount, 0)
	assert.Equal(t, cellEditorCount, 0)
	for i := 0; i < 8; i += 1 {
		assert.Equal(t, viewerUserIds(presence.GetItemViewers(fmt.Sprintf("i%d", i))), []string{"u2"})
	}
}

func TestDisconnectClearsPresence(t *testing.T) {
	hub, clock := newTestHub(t)
	broadcaster := NewBroadcaster(hub)
	settings := DefaultPresenceSettings()
	settings.Now = clock.Now
	presence := NewPresenceTracker(context.Background(), broadcaster, settings)
	defer presence.Close()
	presence.AttachHub(hub)

	client, _ := connectTestClient(t, hub, "u1")
	watcher, watcherTransport := connectTestClient(t, hub, "u2")
	hub.SubscribeBoard(watcher.ClientId, "b9")

	hub.HandleMessage(client.ClientId, []byte(`{"type":"presence:view_start","payload":{"boardId":"b9","itemId":"i9","userName":"One"}}`))
	hub.HandleMessage(client.ClientId, []byte(`{"type":"presence:edit_start","payload":{"boardId":"b9","itemId":"i9","cellId":"c9","columnId":"col9","userName":"One"}}`))
	assert.Equal(t, viewerUserIds(presence.GetItemViewers("i9")), []string{"u1"})
	assert.Equal(t, editorUserIds(presence.GetCellEditors("c9")), []string{"u1"})
	watcherTransport.clear()

	hub.Disconnect(client.ClientId)

	assert.Equal(t, presence.GetItemViewers("i9"), []*ActiveViewer{})
	assert.Equal(t, presence.GetCellEditors("c9"), []*ActiveEditor{})
	// the watcher sees both lists empty
	viewersChanged := watcherTransport.envelopesOfType(t, EventTypeViewersChanged)
	assert.Equal(t, len(viewersChanged), 1)
	assert.Equal(t, len(viewersChanged[0].Payload.(*ViewersChangedEvent).Viewers), 0)
	editorsChanged := watcherTransport.envelopesOfType(t, EventTypeEditorsChanged)
	assert.Equal(t, len(editorsChanged), 1)
}

func TestPresenceSocketMessages(t *testing.T) {
	hub, clock := newTestHub(t)
	broadcaster := NewBroadcaster(hub)
	settings := DefaultPresenceSettings()
	settings.Now = clock.Now
	presence := NewPresenceTracker(context.Background(), broadcaster, settings)
	defer presence.Close()
	presence.AttachHub(hub)

	client, transport := connectTestClient(t, hub, "u1")
	hub.SubscribeBoard(client.ClientId, "b1")
	transport.clear()

	hub.HandleMessage(client.ClientId, []byte(`{"type":"presence:view_start","payload":{"boardId":"b1","itemId":"i1","userName":"One","userAvatar":"a.png"}}`))
	viewers := presence.GetItemViewers("i1")
	assert.Equal(t, len(viewers), 1)
	assert.Equal(t, viewers[0].UserId, "u1")
	assert.Equal(t, viewers[0].UserAvatar, "a.png")

	hub.HandleMessage(client.ClientId, []byte(`{"type":"presence:edit_start","payload":{"boardId":"b1","itemId":"i1","cellId":"c1","columnId":"col1","userName":"One"}}`))
	assert.Equal(t, editorUserIds(presence.GetCellEditors("c1")), []string{"u1"})

	hub.HandleMessage(client.ClientId, []byte(`{"type":"presence:edit_stop","payload":{"itemId":"i1","cellId":"c1"}}`))
	assert.Equal(t, len(presence.GetCellEditors("c1")), 0)

	hub.HandleMessage(client.ClientId, []byte(`{"type":"presence:view_stop","payload":{"itemId":"i1"}}`))
	assert.Equal(t, len(presence.GetItemViewers("i1")), 0)

	assert.Equal(t, len(transport.envelopesOfType(t, EventTypeViewersChanged)), 2)
	assert.Equal(t, len(transport.envelopesOfType(t, EventTypeEditorsChanged)), 2)
	assert.Equal(t, len(transport.envelopesOfType(t, EventTypeError)), 0)
}

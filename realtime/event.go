package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTypeConnect           EventType = "connect"
	EventTypePong              EventType = "pong"
	EventTypeItemCreated       EventType = "item:created"
	EventTypeItemUpdated       EventType = "item:updated"
	EventTypeItemDeleted       EventType = "item:deleted"
	EventTypeItemStatusChanged EventType = "item:status_changed"
	EventTypeCommentAdded      EventType = "comment:added"
	EventTypeApprovalRequested EventType = "approval:requested"
	EventTypeApprovalApproved  EventType = "approval:approved"
	EventTypeApprovalRejected  EventType = "approval:rejected"
	EventTypeUserJoined        EventType = "user:joined"
	EventTypeUserLeft          EventType = "user:left"
	EventTypeBoardUpdated      EventType = "board:updated"
	EventTypeColumnUpdated     EventType = "column:updated"
	EventTypeColumnDeleted     EventType = "column:deleted"
	EventTypeViewersChanged    EventType = "presence:viewers_changed"
	EventTypeEditorsChanged    EventType = "presence:editors_changed"
	EventTypeNotificationNew   EventType = "notification:new"
	EventTypeConflictDetected  EventType = "conflict:detected"
	EventTypeError             EventType = "error"
)

// server to client event payload. Each catalog entry is its own type.
type Event interface {
	EventType() EventType
}

type ConnectEvent struct {
	ClientId Id     `json:"clientId"`
	UserId   string `json:"userId"`
}

type PongEvent struct {
}

type ItemCreatedEvent struct {
	ItemId string         `json:"itemId"`
	Item   map[string]any `json:"item,omitempty"`
}

type ItemUpdatedEvent struct {
	ItemId   string         `json:"itemId"`
	CellId   string         `json:"cellId,omitempty"`
	ColumnId string         `json:"columnId,omitempty"`
	Value    any            `json:"value"`
	Changes  map[string]any `json:"changes,omitempty"`
}

type ItemDeletedEvent struct {
	ItemId string `json:"itemId"`
}

type ItemStatusChangedEvent struct {
	ItemId    string `json:"itemId"`
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus"`
}

type CommentAddedEvent struct {
	ItemId    string         `json:"itemId"`
	CommentId string         `json:"commentId"`
	Comment   map[string]any `json:"comment,omitempty"`
}

type ApprovalEvent struct {
	Type       EventType `json:"-"`
	ApprovalId string    `json:"approvalId"`
	ItemId     string    `json:"itemId,omitempty"`
	ApproverId string    `json:"approverId,omitempty"`
	Comment    string    `json:"comment,omitempty"`
}

type UserPresenceEvent struct {
	Type       EventType `json:"-"`
	UserId     string    `json:"userId"`
	UserName   string    `json:"userName,omitempty"`
	UserAvatar string    `json:"userAvatar,omitempty"`
}

type BoardUpdatedEvent struct {
	Changes map[string]any `json:"changes,omitempty"`
}

type ColumnUpdatedEvent struct {
	ColumnId string         `json:"columnId"`
	Column   map[string]any `json:"column,omitempty"`
}

type ColumnDeletedEvent struct {
	ColumnId string `json:"columnId"`
}

type ViewersChangedEvent struct {
	ItemId  string          `json:"itemId"`
	Viewers []*ActiveViewer `json:"viewers"`
}

type EditorsChangedEvent struct {
	ItemId  string          `json:"itemId"`
	CellId  string          `json:"cellId,omitempty"`
	Editors []*ActiveEditor `json:"editors"`
}

type NotificationEvent struct {
	NotificationId string         `json:"notificationId"`
	Title          string         `json:"title,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

type ConflictDetectedEvent struct {
	ItemId   string        `json:"itemId,omitempty"`
	CellId   string        `json:"cellId"`
	ColumnId string        `json:"columnId,omitempty"`
	Conflict *CellConflict `json:"conflict"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}

func (self *ConnectEvent) EventType() EventType           { return EventTypeConnect }
func (self *PongEvent) EventType() EventType              { return EventTypePong }
func (self *ItemCreatedEvent) EventType() EventType       { return EventTypeItemCreated }
func (self *ItemUpdatedEvent) EventType() EventType       { return EventTypeItemUpdated }
func (self *ItemDeletedEvent) EventType() EventType       { return EventTypeItemDeleted }
func (self *ItemStatusChangedEvent) EventType() EventType { return EventTypeItemStatusChanged }
func (self *CommentAddedEvent) EventType() EventType      { return EventTypeCommentAdded }
func (self *ApprovalEvent) EventType() EventType          { return self.Type }
func (self *UserPresenceEvent) EventType() EventType      { return self.Type }
func (self *BoardUpdatedEvent) EventType() EventType      { return EventTypeBoardUpdated }
func (self *ColumnUpdatedEvent) EventType() EventType     { return EventTypeColumnUpdated }
func (self *ColumnDeletedEvent) EventType() EventType     { return EventTypeColumnDeleted }
func (self *ViewersChangedEvent) EventType() EventType    { return EventTypeViewersChanged }
func (self *EditorsChangedEvent) EventType() EventType    { return EventTypeEditorsChanged }
func (self *NotificationEvent) EventType() EventType      { return EventTypeNotificationNew }
func (self *ConflictDetectedEvent) EventType() EventType  { return EventTypeConflictDetected }
func (self *ErrorEvent) EventType() EventType             { return EventTypeError }

func NewApprovalRequestedEvent(approvalId string, itemId string) *ApprovalEvent {
	return &ApprovalEvent{Type: EventTypeApprovalRequested, ApprovalId: approvalId, ItemId: itemId}
}

func NewApprovalApprovedEvent(approvalId string, itemId string, approverId string) *ApprovalEvent {
	return &ApprovalEvent{Type: EventTypeApprovalApproved, ApprovalId: approvalId, ItemId: itemId, ApproverId: approverId}
}

func NewApprovalRejectedEvent(approvalId string, itemId string, approverId string, comment string) *ApprovalEvent {
	return &ApprovalEvent{Type: EventTypeApprovalRejected, ApprovalId: approvalId, ItemId: itemId, ApproverId: approverId, Comment: comment}
}

func NewUserJoinedEvent(userId string, userName string) *UserPresenceEvent {
	return &UserPresenceEvent{Type: EventTypeUserJoined, UserId: userId, UserName: userName}
}

func NewUserLeftEvent(userId string, userName string) *UserPresenceEvent {
	return &UserPresenceEvent{Type: EventTypeUserLeft, UserId: userId, UserName: userName}
}

// returns an empty payload for the event type, or false if the type is not in the catalog
func newEvent(eventType EventType) (Event, bool) {
	switch eventType {
	case EventTypeConnect:
		return &ConnectEvent{}, true
	case EventTypePong:
		return &PongEvent{}, true
	case EventTypeItemCreated:
		return &ItemCreatedEvent{}, true
	case EventTypeItemUpdated:
		return &ItemUpdatedEvent{}, true
	case EventTypeItemDeleted:
		return &ItemDeletedEvent{}, true
	case EventTypeItemStatusChanged:
		return &ItemStatusChangedEvent{}, true
	case EventTypeCommentAdded:
		return &CommentAddedEvent{}, true
	case EventTypeApprovalRequested, EventTypeApprovalApproved, EventTypeApprovalRejected:
		return &ApprovalEvent{Type: eventType}, true
	case EventTypeUserJoined, EventTypeUserLeft:
		return &UserPresenceEvent{Type: eventType}, true
	case EventTypeBoardUpdated:
		return &BoardUpdatedEvent{}, true
	case EventTypeColumnUpdated:
		return &ColumnUpdatedEvent{}, true
	case EventTypeColumnDeleted:
		return &ColumnDeletedEvent{}, true
	case EventTypeViewersChanged:
		return &ViewersChangedEvent{}, true
	case EventTypeEditorsChanged:
		return &EditorsChangedEvent{}, true
	case EventTypeNotificationNew:
		return &NotificationEvent{}, true
	case EventTypeConflictDetected:
		return &ConflictDetectedEvent{}, true
	case EventTypeError:
		return &ErrorEvent{}, true
	default:
		return nil, false
	}
}

// decodes `payload` into the catalog type for `eventType`
func ParseEvent(eventType EventType, payload json.RawMessage) (Event, error) {
	event, ok := newEvent(eventType)
	if !ok {
		return nil, fmt.Errorf("Unknown event type: %s", eventType)
	}
	if 0 < len(payload) && string(payload) != "null" {
		if err := json.Unmarshal(payload, event); err != nil {
			return nil, fmt.Errorf("Bad %s payload: %w", eventType, err)
		}
	}
	return event, nil
}

// immutable once constructed
type Envelope struct {
	Payload     Event
	Timestamp   time.Time
	BoardId     string
	WorkspaceId string
	UserId      string
}

type envelopeJson struct {
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	BoardId     string          `json:"boardId,omitempty"`
	WorkspaceId string          `json:"workspaceId,omitempty"`
	UserId      string          `json:"userId,omitempty"`
}

func (self *Envelope) Type() EventType {
	return self.Payload.EventType()
}

func (self *Envelope) MarshalJSON() ([]byte, error) {
	payloadBytes, err := json.Marshal(self.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelopeJson{
		Type:        self.Payload.EventType(),
		Payload:     payloadBytes,
		Timestamp:   self.Timestamp.UTC(),
		BoardId:     self.BoardId,
		WorkspaceId: self.WorkspaceId,
		UserId:      self.UserId,
	})
}

// consumer side decode of a server envelope
func ParseEnvelope(envelopeBytes []byte) (*Envelope, error) {
	var e envelopeJson
	if err := json.Unmarshal(envelopeBytes, &e); err != nil {
		return nil, err
	}
	event, err := ParseEvent(e.Type, e.Payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Payload:     event,
		Timestamp:   e.Timestamp,
		BoardId:     e.BoardId,
		WorkspaceId: e.WorkspaceId,
		UserId:      e.UserId,
	}, nil
}

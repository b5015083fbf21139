package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type ClientMessageType string

const (
	ClientMessageTypePing                 ClientMessageType = "ping"
	ClientMessageTypeSubscribeBoard       ClientMessageType = "subscribe:board"
	ClientMessageTypeUnsubscribeBoard     ClientMessageType = "unsubscribe:board"
	ClientMessageTypeSubscribeWorkspace   ClientMessageType = "subscribe:workspace"
	ClientMessageTypeUnsubscribeWorkspace ClientMessageType = "unsubscribe:workspace"
	ClientMessageTypeViewStart            ClientMessageType = "presence:view_start"
	ClientMessageTypeViewStop             ClientMessageType = "presence:view_stop"
	ClientMessageTypeEditStart            ClientMessageType = "presence:edit_start"
	ClientMessageTypeEditStop             ClientMessageType = "presence:edit_stop"
)

// client to server message. Payload fields are a union over all client message types;
// the schema enforces which are present for each type.
type ClientMessage struct {
	Type    ClientMessageType    `json:"type"`
	Payload ClientMessagePayload `json:"payload"`
}

type ClientMessagePayload struct {
	BoardId     string `json:"boardId,omitempty"`
	WorkspaceId string `json:"workspaceId,omitempty"`
	ItemId      string `json:"itemId,omitempty"`
	CellId      string `json:"cellId,omitempty"`
	ColumnId    string `json:"columnId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	UserAvatar  string `json:"userAvatar,omitempty"`
}

const clientMessageSchemaJson = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"payload": {"type": ["object", "null"]},
		"timestamp": {"type": "string"}
	},
	"$defs": {
		"id": {"type": "string", "minLength": 1}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"enum": ["subscribe:board", "unsubscribe:board"]}}},
			"then": {
				"required": ["payload"],
				"properties": {"payload": {"type": "object", "required": ["boardId"], "properties": {"boardId": {"$ref": "#/$defs/id"}}}}
			}
		},
		{
			"if": {"properties": {"type": {"enum": ["subscribe:workspace", "unsubscribe:workspace"]}}},
			"then": {
				"required": ["payload"],
				"properties": {"payload": {"type": "object", "required": ["workspaceId"], "properties": {"workspaceId": {"$ref": "#/$defs/id"}}}}
			}
		},
		{
			"if": {"properties": {"type": {"const": "presence:view_start"}}},
			"then": {
				"required": ["payload"],
				"properties": {"payload": {
					"type": "object",
					"required": ["boardId", "itemId"],
					"properties": {"boardId": {"$ref": "#/$defs/id"}, "itemId": {"$ref": "#/$defs/id"}}
				}}
			}
		},
		{
			"if": {"properties": {"type": {"const": "presence:view_stop"}}},
			"then": {
				"required": ["payload"],
				"properties": {"payload": {"type": "object", "required": ["itemId"], "properties": {"itemId": {"$ref": "#/$defs/id"}}}}
			}
		},
		{
			"if": {"properties": {"type": {"const": "presence:edit_start"}}},
			"then": {
				"required": ["payload"],
				"properties": {"payload": {
					"type": "object",
					"required": ["boardId", "itemId", "cellId"],
					"properties": {
						"boardId": {"$ref": "#/$defs/id"},
						"itemId": {"$ref": "#/$defs/id"},
						"cellId": {"$ref": "#/$defs/id"}
					}
				}}
			}
		},
		{
			"if": {"properties": {"type": {"const": "presence:edit_stop"}}},
			"then": {
				"required": ["payload"],
				"properties": {"payload": {
					"type": "object",
					"required": ["itemId", "cellId"],
					"properties": {"itemId": {"$ref": "#/$defs/id"}, "cellId": {"$ref": "#/$defs/id"}}
				}}
			}
		}
	]
}`

// compiled once; a schema is read only after compile
var clientMessageSchema = jsonschema.MustCompileString("client_message.json", clientMessageSchemaJson)

type MalformedMessageError struct {
	Err error
}

func (self *MalformedMessageError) Error() string {
	return fmt.Sprintf("Malformed message: %s", self.Err)
}

func (self *MalformedMessageError) Unwrap() error {
	return self.Err
}

func ParseClientMessage(messageBytes []byte) (*ClientMessage, error) {
	var instance any
	decoder := json.NewDecoder(bytes.NewReader(messageBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&instance); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}
	if err := clientMessageSchema.Validate(instance); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}

	message := &ClientMessage{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}
	return message, nil
}

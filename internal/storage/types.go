package storage

import (
	"encoding"
	"encoding/binary"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

type DBConversation struct {
	ID        int64   `msgpack:"id"`
	Title     string  `msgpack:"title"`
	IsGroup   bool    `msgpack:"isGroup"`
	CreatedBy int64   `msgpack:"createdBy"`
	CreatedAt int64   `msgpack:"createdAt"`
	Members   []int64 `msgpack:"members"`
}

func (c *DBConversation) Key() []byte {
	return idKey(c.ID)
}

func (c *DBConversation) HasMember(userID int64) bool {
	return slices.Contains(c.Members, userID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             int64  `msgpack:"id"`
	ConversationID int64  `msgpack:"conversationId"`
	SenderID       int64  `msgpack:"senderId"`
	Type           string `msgpack:"type"`
	Content        string `msgpack:"content"`
	MediaRef       string `msgpack:"mediaRef"`
	CreatedAt      int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"palsrelay/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
)

// BoltStorage is a single-file store for development and single-node
// deployments.
type BoltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Store = (*BoltStorage)(nil)

func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func getConversation(tx *bbolt.Tx, id int64) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get(idKey(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var c DBConversation
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %d: %w", id, err)
	}
	return &c, nil
}

func putConversation(tx *bbolt.Tx, c *DBConversation) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put(c.Key(), data)
}

// CreateConversation stores a new conversation and returns its id.
func (s *BoltStorage) CreateConversation(title string, isGroup bool, createdBy int64, members []int64) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(bucketConversations).NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		c := &DBConversation{
			ID:        id,
			Title:     title,
			IsGroup:   isGroup,
			CreatedBy: createdBy,
			CreatedAt: s.now().UnixMilli(),
		}
		for _, m := range append([]int64{createdBy}, members...) {
			if !c.HasMember(m) {
				c.Members = append(c.Members, m)
			}
		}
		return putConversation(tx, c)
	})
	return id, err
}

// AddMember adds a user to a conversation.
func (s *BoltStorage) AddMember(conversationID, userID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if c.HasMember(userID) {
			return nil
		}
		c.Members = append(c.Members, userID)
		return putConversation(tx, c)
	})
}

// RemoveMember removes a user from a conversation.
func (s *BoltStorage) RemoveMember(conversationID, userID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		members := c.Members[:0]
		for _, m := range c.Members {
			if m != userID {
				members = append(members, m)
			}
		}
		c.Members = members
		return putConversation(tx, c)
	})
}

func (s *BoltStorage) IsMember(_ context.Context, userID, conversationID int64) (bool, error) {
	var member bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		member = c.HasMember(userID)
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return member, err
}

func (s *BoltStorage) MembersOf(_ context.Context, conversationID int64) ([]int64, error) {
	var members []int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		members = c.Members
		return nil
	})
	return members, err
}

func (s *BoltStorage) ConversationsOf(_ context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var c DBConversation
			if err := c.UnmarshalBinary(v); err != nil {
				return err
			}
			if c.HasMember(userID) {
				ids = append(ids, c.ID)
			}
			return nil
		})
	})
	return ids, err
}

// PersistMessage stores the message and assigns its id and timestamp.
func (s *BoltStorage) PersistMessage(_ context.Context, msg NewMessage) (Persisted, error) {
	var p Persisted
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getConversation(tx, msg.ConversationID); err != nil {
			return fmt.Errorf("conversation %d: %w", msg.ConversationID, err)
		}

		mainMsgBucket := tx.Bucket(bucketMessages)
		seq, err := mainMsgBucket.NextSequence()
		if err != nil {
			return err
		}
		convBucket, err := mainMsgBucket.CreateBucketIfNotExists(idKey(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:             int64(seq),
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Type:           string(msg.Type),
			Content:        msg.Content,
			MediaRef:       msg.MediaRef,
			CreatedAt:      s.now().UnixMilli(),
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		p = Persisted{ID: dbMessage.ID, Timestamp: dbMessage.CreatedAt}
		return nil
	})
	return p, err
}

// ListMessages returns the messages of a conversation in id order.
func (s *BoltStorage) ListMessages(conversationID int64) ([]DBMessage, error) {
	var messages []DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket(idKey(conversationID))
		if convBucket == nil {
			return nil
		}
		return convBucket.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, m)
			return nil
		})
	})
	return messages, err
}

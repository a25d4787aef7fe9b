package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"parley/pkg/state"
)

// BadgerStore persists messages, rooms and memberships in BadgerDB.
//
// Key scheme:
//
//	msg:{id}                      message document
//	log:{convKey}:{ts}:{id}       conversation log entry, ts zero-padded to 19
//	                              digits so a prefix scan yields chronological
//	                              order; the uuid disambiguates same-nanosecond
//	                              messages
//	room:{id}                     room document
//	member:{roomID}:{userID}      membership document
//	userroom:{userID}:{roomID}    reverse membership index for RoomsFor
//	user:{id}                     user presence/status document
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

func OpenBadger(path string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db, logger: logger.With(slog.String("component", "badger_store"))}, nil
}

var _ Store = (*BadgerStore)(nil)

func msgKey(id uuid.UUID) []byte {
	return []byte("msg:" + id.String())
}

func logKey(convKey string, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("log:%s:%019d:%s", convKey, at.UnixNano(), id))
}

func memberKey(roomID, userID string) []byte {
	return []byte("member:" + roomID + ":" + userID)
}

func userRoomKey(userID, roomID string) []byte {
	return []byte("userroom:" + userID + ":" + roomID)
}

func (s *BadgerStore) SaveMessage(_ context.Context, m *Message) error {
	m.ID = uuid.New()
	m.CreatedAt = time.Now()

	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(m.ID), raw); err != nil {
			return err
		}
		return txn.Set(logKey(m.ConversationKey(), m.CreatedAt, m.ID), []byte(m.ID.String()))
	})
}

func (s *BadgerStore) Message(_ context.Context, id uuid.UUID) (*Message, error) {
	var m Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, msgKey(id), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BadgerStore) RecentMessages(_ context.Context, convKey string, limit int) ([]*Message, error) {
	var ids []uuid.UUID
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("log:" + convKey + ":")
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible key for this prefix, then walk back.
		seekKey := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			err := it.Item().Value(func(value []byte) error {
				id, err := uuid.Parse(string(value))
				if err != nil {
					return err
				}
				ids = append(ids, id)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Message(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *BadgerStore) SetReaction(_ context.Context, id uuid.UUID, userID, emoji string) (map[string]string, error) {
	var reactions map[string]string
	err := s.updateMessage(id, func(m *Message) {
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		if emoji == "" {
			delete(m.Reactions, userID)
		} else {
			m.Reactions[userID] = emoji
		}
		reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			reactions[k] = v
		}
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (s *BadgerStore) MarkDelivered(_ context.Context, id uuid.UUID, userID string, at time.Time) error {
	return s.updateMessage(id, func(m *Message) {
		if m.DeliveredTo == nil {
			m.DeliveredTo = make(map[string]time.Time)
		}
		if _, done := m.DeliveredTo[userID]; !done {
			m.DeliveredTo[userID] = at
		}
	})
}

func (s *BadgerStore) MarkRead(_ context.Context, id uuid.UUID, userID string, at time.Time) (bool, error) {
	first := false
	err := s.updateMessage(id, func(m *Message) {
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time)
		}
		if _, done := m.ReadBy[userID]; done {
			return
		}
		first = true
		m.ReadBy[userID] = at
		if m.DeliveredTo == nil {
			m.DeliveredTo = make(map[string]time.Time)
		}
		if _, done := m.DeliveredTo[userID]; !done {
			m.DeliveredTo[userID] = at
		}
	})
	return first, err
}

func (s *BadgerStore) SaveRoom(_ context.Context, r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("room:"+r.ID), raw)
	})
}

func (s *BadgerStore) Room(_ context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte("room:"+id), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BadgerStore) TouchRoom(_ context.Context, id string, lastMessage uuid.UUID, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var r Room
		if err := getJSON(txn, []byte("room:"+id), &r); err != nil {
			return err
		}
		r.LastMessageID = &lastMessage
		r.LastActivity = at
		raw, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		return txn.Set([]byte("room:"+id), raw)
	})
}

func (s *BadgerStore) AddMember(_ context.Context, m Membership) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(memberKey(m.RoomID, m.UserID), raw); err != nil {
			return err
		}
		return txn.Set(userRoomKey(m.UserID, m.RoomID), nil)
	})
}

func (s *BadgerStore) RemoveMember(_ context.Context, roomID, userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(memberKey(roomID, userID)); err != nil {
			return err
		}
		return txn.Delete(userRoomKey(userID, roomID))
	})
}

func (s *BadgerStore) Members(_ context.Context, roomID string) ([]Membership, error) {
	var members []Membership
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("member:" + roomID + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Membership
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &m)
			})
			if err != nil {
				return err
			}
			members = append(members, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *BadgerStore) RoomsFor(_ context.Context, userID string) ([]string, error) {
	var rooms []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefixStr := "userroom:" + userID + ":"
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rooms = append(rooms, string(it.Item().Key()[len(prefixStr):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *BadgerStore) UpdateUserStatus(_ context.Context, userID string, status state.Status, statusMessage string, lastSeen time.Time) error {
	doc := struct {
		Status        state.Status `json:"status"`
		StatusMessage string       `json:"statusMessage,omitempty"`
		LastSeen      time.Time    `json:"lastSeen"`
	}{status, statusMessage, lastSeen}

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("user:"+userID), raw)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) updateMessage(id uuid.UUID, mutate func(m *Message)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var m Message
		if err := getJSON(txn, msgKey(id), &m); err != nil {
			return err
		}
		mutate(&m)
		raw, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(id), raw)
	})
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(value []byte) error {
		return json.Unmarshal(value, out)
	})
}

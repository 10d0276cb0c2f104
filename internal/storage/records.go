package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	rewardKeyPrefix  = "reward/"
	messageKeyPrefix = "message/"
)

// RewardRecord is one persisted reward-distribution event. Records are
// append-only; nothing in the engine reads them back for control decisions.
type RewardRecord struct {
	PeerID      string    `json:"peer_id"`
	SafeAddress string    `json:"safe_address"`
	Probability float64   `json:"probability"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageTotals accumulates per-peer message delivery counters.
type MessageTotals struct {
	PeerID    string    `json:"peer_id"`
	Sent      uint64    `json:"sent"`
	Relayed   uint64    `json:"relayed"`
	Failed    uint64    `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RewardStore persists reward records in a DB under the "reward/" prefix.
type RewardStore struct {
	db DB
}

// NewRewardStore creates a RewardStore backed by the given DB.
func NewRewardStore(db DB) *RewardStore {
	return &RewardStore{db: db}
}

func rewardKey(ts time.Time, peerID string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", rewardKeyPrefix, ts.UnixNano(), peerID))
}

// Append persists one reward record. Keys embed the timestamp first so
// iteration returns records in distribution order.
func (s *RewardStore) Append(rec RewardRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal reward record: %w", err)
	}
	return s.db.Put(rewardKey(rec.Timestamp, rec.PeerID), data)
}

// All returns every persisted reward record.
func (s *RewardStore) All() ([]RewardRecord, error) {
	var records []RewardRecord
	err := s.db.ForEach([]byte(rewardKeyPrefix), func(key, value []byte) error {
		var rec RewardRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate reward records: %w", err)
	}
	return records, nil
}

// MessageStore persists per-peer sent/relayed counters under the "message/"
// prefix. Not safe for concurrent writers on the same peer; the postman is
// the only writer.
type MessageStore struct {
	db DB
}

// NewMessageStore creates a MessageStore backed by the given DB.
func NewMessageStore(db DB) *MessageStore {
	return &MessageStore{db: db}
}

func messageKey(peerID string) []byte {
	return []byte(messageKeyPrefix + peerID)
}

// Totals returns the accumulated counters for a peer, zeroed when absent.
func (s *MessageStore) Totals(peerID string) (MessageTotals, error) {
	data, err := s.db.Get(messageKey(peerID))
	if err != nil {
		return MessageTotals{PeerID: peerID}, nil
	}
	var t MessageTotals
	if err := json.Unmarshal(data, &t); err != nil {
		return MessageTotals{}, fmt.Errorf("unmarshal message totals: %w", err)
	}
	return t, nil
}

// Record adds sent/relayed/failed counts for a peer.
func (s *MessageStore) Record(peerID string, sent, relayed, failed uint64) error {
	t, err := s.Totals(peerID)
	if err != nil {
		return err
	}
	t.PeerID = peerID
	t.Sent += sent
	t.Relayed += relayed
	t.Failed += failed
	t.UpdatedAt = time.Now()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal message totals: %w", err)
	}
	return s.db.Put(messageKey(peerID), data)
}

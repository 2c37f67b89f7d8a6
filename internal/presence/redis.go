package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// BoardMember is the presence record published for the CRUD surface, which
// renders "who is live on this board" without holding a socket itself.
type BoardMember struct {
	BoardID  string `json:"board_id"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	SocketID string `json:"socket_id"`
	JoinedAt int64  `json:"joined_at"`
	ServerID string `json:"server_id"`
}

// presenceTTL bounds how stale a crashed server's records can get. Live
// servers refresh it on every membership change.
const presenceTTL = 5 * time.Minute

const updatesChannel = "board_presence_updates"

// Manager keeps per-board presence in Redis, keyed by socket id so a user
// with two tabs shows up twice, matching room membership exactly.
type Manager struct {
	client   *redis.Client
	serverID string
}

// NewManager connects to Redis and verifies the connection.
func NewManager(addr, password string, db int, serverID string) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Presence] Connected to %s", addr)
	return &Manager{client: client, serverID: serverID}, nil
}

func (m *Manager) boardKey(boardID string) string {
	return fmt.Sprintf("presence:board:%s", boardID)
}

// SetMember records a connection as live on a board and publishes the
// change.
func (m *Manager) SetMember(ctx context.Context, boardID string, userID int64, userName, socketID string) error {
	member := BoardMember{
		BoardID:  boardID,
		UserID:   userID,
		UserName: userName,
		SocketID: socketID,
		JoinedAt: time.Now().Unix(),
		ServerID: m.serverID,
	}

	data, err := json.Marshal(member)
	if err != nil {
		return err
	}

	key := m.boardKey(boardID)
	if err := m.client.HSet(ctx, key, socketID, data).Err(); err != nil {
		return err
	}
	m.client.Expire(ctx, key, presenceTTL)

	return m.publish(ctx, "joined", member)
}

// RemoveMember drops a connection's presence record and publishes the
// change.
func (m *Manager) RemoveMember(ctx context.Context, boardID string, userID int64, userName, socketID string) error {
	if err := m.client.HDel(ctx, m.boardKey(boardID), socketID).Err(); err != nil {
		return err
	}

	return m.publish(ctx, "left", BoardMember{
		BoardID:  boardID,
		UserID:   userID,
		UserName: userName,
		SocketID: socketID,
		ServerID: m.serverID,
	})
}

// Members returns everyone currently recorded as live on a board.
func (m *Manager) Members(ctx context.Context, boardID string) ([]BoardMember, error) {
	values, err := m.client.HGetAll(ctx, m.boardKey(boardID)).Result()
	if err != nil {
		return nil, err
	}

	members := make([]BoardMember, 0, len(values))
	for _, raw := range values {
		var member BoardMember
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

type update struct {
	Event  string      `json:"event"` // joined, left
	Member BoardMember `json:"member"`
}

func (m *Manager) publish(ctx context.Context, event string, member BoardMember) error {
	data, err := json.Marshal(update{Event: event, Member: member})
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, updatesChannel, data).Err()
}

// Subscribe returns a subscription to presence change events.
func (m *Manager) Subscribe(ctx context.Context) *redis.PubSub {
	return m.client.Subscribe(ctx, updatesChannel)
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const deliverPrefix = "relay:deliver:"

// ErrRoomNotFound is returned when a room has neither invitees nor members.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomInUse is returned when an invite names a room that already exists.
var ErrRoomInUse = errors.New("room in use")

// releasePresence deletes the presence key only while it still names the
// releasing connection, so a replaced connection cannot evict its successor.
var releasePresence = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// createRoom records the parties of a room only if the room is unknown.
var createRoom = redis.NewScript(`
if redis.call("EXISTS", KEYS[1], KEYS[2]) > 0 then
	return 0
end
redis.call("SADD", KEYS[1], unpack(ARGV, 2))
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`)

// Store keeps relay state that must be visible to every relay instance:
// who is online, which identities belong to which call room, and the
// pub/sub fan-out used to reach connections held by another instance.
type Store struct {
	client      *redis.Client
	presenceTTL time.Duration
	roomTTL     time.Duration
}

// Connect initializes the Redis client
func Connect(ctx context.Context, cfg config.RedisConfig, presenceTTL, roomTTL time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, presenceTTL, roomTTL), nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, presenceTTL, roomTTL time.Duration) *Store {
	return &Store{client: client, presenceTTL: presenceTTL, roomTTL: roomTTL}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func presenceKey(identity string) string { return "presence:" + identity }
func invitedKey(room string) string      { return "room:" + room + ":invited" }
func membersKey(room string) string      { return "room:" + room + ":members" }

// SetOnline records sid as the live connection of identity.
func (s *Store) SetOnline(ctx context.Context, identity, sid string) error {
	return s.client.Set(ctx, presenceKey(identity), sid, s.presenceTTL).Err()
}

// RefreshOnline extends the presence TTL of identity.
func (s *Store) RefreshOnline(ctx context.Context, identity string) error {
	return s.client.Expire(ctx, presenceKey(identity), s.presenceTTL).Err()
}

// SetOffline clears presence if sid is still the registered connection.
func (s *Store) SetOffline(ctx context.Context, identity, sid string) error {
	return releasePresence.Run(ctx, s.client, []string{presenceKey(identity)}, sid).Err()
}

// IsOnline reports whether identity has a live connection on any instance.
func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := s.client.Exists(ctx, presenceKey(identity)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Invite creates room with identities as its parties. It returns
// ErrRoomInUse when room already has invitees or members.
func (s *Store) Invite(ctx context.Context, room string, identities ...string) error {
	if len(identities) == 0 {
		return errors.New("invite without parties")
	}
	args := make([]any, 0, len(identities)+1)
	args = append(args, s.roomTTL.Milliseconds())
	for _, id := range identities {
		args = append(args, id)
	}

	created, err := createRoom.Run(ctx, s.client, []string{invitedKey(room), membersKey(room)}, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return ErrRoomInUse
	}
	return nil
}

// IsInvited reports whether identity is a party of room.
func (s *Store) IsInvited(ctx context.Context, room, identity string) (bool, error) {
	return s.client.SIsMember(ctx, invitedKey(room), identity).Result()
}

// Join adds identity to the members of room.
func (s *Store) Join(ctx context.Context, room, identity string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(room), identity)
	pipe.Expire(ctx, membersKey(room), s.roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsMember reports whether identity has joined room.
func (s *Store) IsMember(ctx context.Context, room, identity string) (bool, error) {
	return s.client.SIsMember(ctx, membersKey(room), identity).Result()
}

// Room returns the invitees and members of room.
func (s *Store) Room(ctx context.Context, room string) (*models.CallRoom, error) {
	invited, err := s.client.SMembers(ctx, invitedKey(room)).Result()
	if err != nil {
		return nil, err
	}
	members, err := s.client.SMembers(ctx, membersKey(room)).Result()
	if err != nil {
		return nil, err
	}
	if len(invited) == 0 && len(members) == 0 {
		return nil, ErrRoomNotFound
	}

	return &models.CallRoom{Name: room, Invitees: invited, Members: members}, nil
}

// ClearRoom forgets room entirely.
func (s *Store) ClearRoom(ctx context.Context, room string) error {
	return s.client.Del(ctx, invitedKey(room), membersKey(room)).Err()
}

// Publish hands data to whichever relay instance holds identity's connection.
func (s *Store) Publish(ctx context.Context, identity string, data []byte) error {
	return s.client.Publish(ctx, deliverPrefix+identity, data).Err()
}

// Subscribe listens for deliveries addressed to any identity.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.PSubscribe(ctx, deliverPrefix+"*")
}

// IdentityFromChannel extracts the addressed identity from a delivery channel.
func IdentityFromChannel(channel string) string {
	return strings.TrimPrefix(channel, deliverPrefix)
}

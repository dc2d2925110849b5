package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// presence key: presence:user:<userId>
// member: <node>:<connId>，TTL 由每次上线刷新
func PresenceKey(userID string) string { return "presence:user:" + userID }

// Session is one live connection of a user on some gateway node.
type Session struct {
	Node   string `json:"node"`
	ConnID string `json:"connId"`
}

// ParseSession splits a presence member; the node id itself may contain ':'.
func ParseSession(member string) (Session, bool) {
	i := strings.LastIndexByte(member, ':')
	if i <= 0 || i == len(member)-1 {
		return Session{}, false
	}
	return Session{Node: member[:i], ConnID: member[i+1:]}, true
}

// Presence is the cross-instance online index. Failures are logged and
// returned; callers treat them as non-fatal.
type Presence struct {
	cache *Cache
	node  string
	ttl   time.Duration
	log   *zap.Logger
}

func NewPresence(cache *Cache, node string, ttl time.Duration, log *zap.Logger) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Presence{cache: cache, node: node, ttl: ttl, log: log}
}

func (p *Presence) member(connID string) string { return p.node + ":" + connID }

// Online records connID for userID and refreshes the key TTL.
func (p *Presence) Online(ctx context.Context, userID, connID string) error {
	if _, err := p.cache.SAdd(ctx, PresenceKey(userID), p.member(connID)); err != nil {
		p.log.Warn("presence online failed", zap.String("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
		return err
	}
	return p.refresh(ctx, userID)
}

// Heartbeat keeps a live session from aging out. The member is re-added in
// case the key already expired while the broker was unreachable.
func (p *Presence) Heartbeat(ctx context.Context, userID, connID string) error {
	if _, err := p.cache.SAdd(ctx, PresenceKey(userID), p.member(connID)); err != nil {
		p.log.Warn("presence heartbeat failed", zap.String("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
		return err
	}
	return p.refresh(ctx, userID)
}

func (p *Presence) refresh(ctx context.Context, userID string) error {
	if _, err := p.cache.Expire(ctx, PresenceKey(userID), p.ttl); err != nil {
		p.log.Warn("presence ttl refresh failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// TTL is how long a session survives without a heartbeat.
func (p *Presence) TTL() time.Duration { return p.ttl }

// Offline removes connID from userID's sessions.
func (p *Presence) Offline(ctx context.Context, userID, connID string) error {
	if _, err := p.cache.SRem(ctx, PresenceKey(userID), p.member(connID)); err != nil {
		p.log.Warn("presence offline failed", zap.String("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
		return err
	}
	return nil
}

// Sessions lists every live session of userID across nodes, sorted.
func (p *Presence) Sessions(ctx context.Context, userID string) ([]Session, error) {
	members, err := p.cache.SMembers(ctx, PresenceKey(userID))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]Session, 0, len(members))
	for _, m := range members {
		if s, ok := ParseSession(m); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

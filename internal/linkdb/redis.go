package linkdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	keyPops        = "pops"
	keyLinks       = "links"
	keyConnections = "connections"

	// Optimistic transactions are retried this many times before the
	// operation is reported as failed.
	txRetries = 5
)

func popKey(id string) string        { return "pop:" + id }
func linkKey(id string) string       { return "link:" + id }
func slotsKey(id string) string      { return "slots:" + id }
func connectionKey(id string) string { return "connection:" + id }
func interfaceKey(p, r, n string) string {
	return fmt.Sprintf("interface:%s:%s:%s", p, r, n)
}

type RedisConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Addr     string
	Password string

	// TotalSlots is the canonical slot universe per link; free-slot sets
	// default to {0..TotalSlots-1} until first materialized.
	TotalSlots int

	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (c *RedisConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TotalSlots == 0 {
		c.TotalSlots = 320
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 5 * time.Second
	}
	return nil
}

// RedisStore implements Store over the tenant link database keyspace.
type RedisStore struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   *RedisConfig
	rdb   *redis.Client
}

func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
	})
	return &RedisStore{
		log:   cfg.Logger,
		clock: cfg.Clock,
		cfg:   cfg,
		rdb:   rdb,
	}, nil
}

func (s *RedisStore) LoadTopology(ctx context.Context) (map[string]PopNode, map[string]NetworkLink, error) {
	popIDs, err := s.rdb.SMembers(ctx, keyPops).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read pop set: %w", err)
	}
	pops := make(map[string]PopNode, len(popIDs))
	for _, id := range popIDs {
		data, err := s.rdb.HGetAll(ctx, popKey(id)).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("read pop %s: %w", id, err)
		}
		if len(data) == 0 {
			continue
		}
		pop := PopNode{
			ID:       id,
			Name:     data["name"],
			Location: data["location"],
		}
		if pop.Name == "" {
			pop.Name = id
		}
		if raw := data["routers"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &pop.Routers); err != nil {
				s.log.Warn("pop has malformed router list", "pop", id, "error", err)
			}
		}
		pops[id] = pop
	}

	linkIDs, err := s.rdb.SMembers(ctx, keyLinks).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read link set: %w", err)
	}
	links := make(map[string]NetworkLink, len(linkIDs))
	for _, id := range linkIDs {
		data, err := s.rdb.HGetAll(ctx, linkKey(id)).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("read link %s: %w", id, err)
		}
		if len(data) == 0 || data["pop_a"] == "" || data["pop_b"] == "" {
			continue
		}
		link := NetworkLink{
			ID:         id,
			PopA:       data["pop_a"],
			PopB:       data["pop_b"],
			TotalSlots: s.cfg.TotalSlots,
		}
		link.DistanceKM, _ = strconv.ParseFloat(data["distance_km"], 64)
		link.ChannelSpacing, _ = strconv.ParseFloat(data["channel_spacing"], 64)
		links[id] = link
	}

	s.log.Info("loaded topology", "pops", len(pops), "links", len(links))
	return pops, links, nil
}

func (s *RedisStore) AvailableInterfaces(ctx context.Context, pop, router string) ([]string, error) {
	prefix := fmt.Sprintf("interface:%s:%s:", pop, router)
	var names []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read interface %s: %w", key, err)
		}
		if InterfaceStatus(data["status"]) != InterfaceAvailable {
			continue
		}
		if conn := data["current_connection"]; conn != "" && conn != "null" {
			continue
		}
		names = append(names, strings.TrimPrefix(key, prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan interfaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) AllocateInterface(ctx context.Context, pop, router, name, connID string) (bool, error) {
	key := interfaceKey(pop, router, name)
	allocated := false
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		if InterfaceStatus(data["status"]) != InterfaceAvailable {
			return nil
		}
		if conn := data["current_connection"]; conn != "" && conn != "null" {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"status", string(InterfaceOccupied),
				"current_connection", connID,
				"allocated_at", s.now())
			return nil
		})
		if err == nil {
			allocated = true
		}
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return false, fmt.Errorf("allocate interface %s: %w", key, err)
	}
	if allocated {
		s.log.Info("allocated interface", "interface", key, "connection", connID)
	}
	return allocated, nil
}

func (s *RedisStore) ReleaseInterface(ctx context.Context, pop, router, name string) (bool, error) {
	key := interfaceKey(pop, router, name)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("release interface %s: %w", key, err)
	}
	if exists == 0 {
		return false, nil
	}
	err = s.rdb.HSet(ctx, key,
		"status", string(InterfaceAvailable),
		"current_connection", "",
		"released_at", s.now()).Err()
	if err != nil {
		return false, fmt.Errorf("release interface %s: %w", key, err)
	}
	s.log.Info("released interface", "interface", key)
	return true, nil
}

func (s *RedisStore) AllocateSpectrumSlots(ctx context.Context, linkID, connID string, slots []int) (bool, error) {
	if len(slots) == 0 {
		return false, nil
	}
	lk, sk := linkKey(linkID), slotsKey(linkID)
	allocated := false
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, lk).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		occupied, err := s.readOccupied(ctx, tx, lk)
		if err != nil {
			return err
		}
		free, seeded, err := s.readFree(ctx, tx, lk, sk)
		if err != nil {
			return err
		}
		for _, slot := range slots {
			if !free[slot] {
				return nil
			}
		}
		occupied[connID] = slots
		occupiedJSON, err := json.Marshal(occupied)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if seeded {
				// Free set was absent: materialize it minus the allocation, and
				// mark the link so an emptied set is not mistaken for an
				// untouched one later.
				p.HSet(ctx, lk, "slots_initialized", "1")
				remaining := make([]any, 0, len(free)-len(slots))
				taken := make(map[int]bool, len(slots))
				for _, slot := range slots {
					taken[slot] = true
				}
				for slot := range free {
					if !taken[slot] {
						remaining = append(remaining, slot)
					}
				}
				if len(remaining) > 0 {
					p.SAdd(ctx, sk, remaining...)
				}
			} else {
				members := make([]any, len(slots))
				for i, slot := range slots {
					members[i] = slot
				}
				p.SRem(ctx, sk, members...)
			}
			p.HSet(ctx, lk, "occupied_slots", string(occupiedJSON))
			return nil
		})
		if err == nil {
			allocated = true
		}
		return err
	}
	if err := s.watch(ctx, txf, lk, sk); err != nil {
		return false, fmt.Errorf("allocate slots on %s: %w", linkID, err)
	}
	if allocated {
		s.log.Info("allocated spectrum slots", "link", linkID, "connection", connID, "slots", slots)
	}
	return allocated, nil
}

func (s *RedisStore) ReleaseSpectrumSlots(ctx context.Context, linkID, connID string) (bool, error) {
	lk, sk := linkKey(linkID), slotsKey(linkID)
	released := false
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, lk).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		occupied, err := s.readOccupied(ctx, tx, lk)
		if err != nil {
			return err
		}
		held, ok := occupied[connID]
		if !ok {
			released = true // nothing to do
			return nil
		}
		delete(occupied, connID)
		occupiedJSON, err := json.Marshal(occupied)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			members := make([]any, len(held))
			for i, slot := range held {
				members[i] = slot
			}
			p.SAdd(ctx, sk, members...)
			p.HSet(ctx, lk, "occupied_slots", string(occupiedJSON))
			return nil
		})
		if err == nil {
			released = true
			s.log.Info("released spectrum slots", "link", linkID, "connection", connID, "slots", held)
		}
		return err
	}
	if err := s.watch(ctx, txf, lk, sk); err != nil {
		return false, fmt.Errorf("release slots on %s: %w", linkID, err)
	}
	return released, nil
}

func (s *RedisStore) AvailableSlots(ctx context.Context, linkID string) ([]int, error) {
	members, err := s.rdb.SMembers(ctx, slotsKey(linkID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read free slots on %s: %w", linkID, err)
	}
	if len(members) == 0 {
		// Redis drops a set with its last member, so an absent set means
		// either "never materialized" or "fully allocated". The marker set on
		// materialization tells the two apart.
		initialized, err := s.rdb.HExists(ctx, linkKey(linkID), "slots_initialized").Result()
		if err != nil {
			return nil, fmt.Errorf("read free slots on %s: %w", linkID, err)
		}
		if initialized {
			return []int{}, nil
		}
		slots := make([]int, s.cfg.TotalSlots)
		for i := range slots {
			slots[i] = i
		}
		return slots, nil
	}
	slots := make([]int, 0, len(members))
	for _, m := range members {
		slot, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots, nil
}

func (s *RedisStore) OccupiedSlots(ctx context.Context, linkID string) (map[string][]int, error) {
	raw, err := s.rdb.HGet(ctx, linkKey(linkID), "occupied_slots").Result()
	if errors.Is(err, redis.Nil) {
		return map[string][]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read occupied slots on %s: %w", linkID, err)
	}
	occupied := map[string][]int{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &occupied); err != nil {
			return nil, fmt.Errorf("parse occupied slots on %s: %w", linkID, err)
		}
	}
	return occupied, nil
}

func (s *RedisStore) CreateConnectionRecord(ctx context.Context, connID string, rec ConnectionRecord) error {
	pathJSON, err := json.Marshal(rec.PathLinks)
	if err != nil {
		return fmt.Errorf("marshal path links: %w", err)
	}
	details := rec.Details
	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	now := s.now()
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, connectionKey(connID),
			"status", rec.Status,
			"source_pop", rec.SourcePop,
			"destination_pop", rec.DestinationPop,
			"source_interface", rec.SourceInterface,
			"destination_interface", rec.DestinationInterface,
			"bandwidth_gbps", strconv.FormatFloat(rec.BandwidthGbps, 'f', -1, 64),
			"modulation", rec.Modulation,
			"estimated_osnr", strconv.FormatFloat(rec.EstimatedOSNR, 'f', 2, 64),
			"path_links", string(pathJSON),
			"details", string(detailsJSON),
			"created_at", now,
			"updated_at", now)
		p.SAdd(ctx, keyConnections, connID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create connection record %s: %w", connID, err)
	}
	s.log.Info("created connection record", "connection", connID)
	return nil
}

func (s *RedisStore) UpdateConnectionStatus(ctx context.Context, connID, status string, details map[string]string) error {
	key := connectionKey(connID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("update connection %s: %w", connID, err)
	}
	if exists == 0 {
		return fmt.Errorf("update connection %s: %w", connID, ErrNotFound)
	}
	fields := []any{"status", status, "updated_at", s.now()}
	if len(details) > 0 {
		merged := map[string]string{}
		if raw, err := s.rdb.HGet(ctx, key, "details").Result(); err == nil && raw != "" {
			_ = json.Unmarshal([]byte(raw), &merged)
		}
		for k, v := range details {
			merged[k] = v
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		fields = append(fields, "details", string(mergedJSON))
	}
	if err := s.rdb.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("update connection %s: %w", connID, err)
	}
	return nil
}

func (s *RedisStore) DeleteConnectionRecord(ctx context.Context, connID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, connectionKey(connID))
		p.SRem(ctx, keyConnections, connID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete connection record %s: %w", connID, err)
	}
	return nil
}

func (s *RedisStore) GetConnectionRecord(ctx context.Context, connID string) (*ConnectionRecord, error) {
	data, err := s.rdb.HGetAll(ctx, connectionKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read connection %s: %w", connID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("read connection %s: %w", connID, ErrNotFound)
	}
	rec := &ConnectionRecord{
		Status:               data["status"],
		SourcePop:            data["source_pop"],
		DestinationPop:       data["destination_pop"],
		SourceInterface:      data["source_interface"],
		DestinationInterface: data["destination_interface"],
		Modulation:           data["modulation"],
	}
	rec.BandwidthGbps, _ = strconv.ParseFloat(data["bandwidth_gbps"], 64)
	rec.EstimatedOSNR, _ = strconv.ParseFloat(data["estimated_osnr"], 64)
	if raw := data["path_links"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.PathLinks)
	}
	if raw := data["details"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.Details)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, data["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, data["updated_at"])
	return rec, nil
}

func (s *RedisStore) ListConnectionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, keyConnections).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

// watch runs txf under optimistic locking of keys, retrying when another
// writer races the transaction.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = s.rdb.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) readOccupied(ctx context.Context, tx *redis.Tx, lk string) (map[string][]int, error) {
	raw, err := tx.HGet(ctx, lk, "occupied_slots").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	occupied := map[string][]int{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &occupied); err != nil {
			return nil, fmt.Errorf("parse occupied slots: %w", err)
		}
	}
	return occupied, nil
}

// readFree returns the link's free-slot set as a membership map. When the
// set was never materialized the full default range is reported free and
// seeded=true tells the caller to materialize it on write. An absent set on
// a materialized link means no free slots: redis deletes an emptied set.
func (s *RedisStore) readFree(ctx context.Context, tx *redis.Tx, lk, sk string) (map[int]bool, bool, error) {
	members, err := tx.SMembers(ctx, sk).Result()
	if err != nil {
		return nil, false, err
	}
	free := map[int]bool{}
	if len(members) == 0 {
		initialized, err := tx.HExists(ctx, lk, "slots_initialized").Result()
		if err != nil {
			return nil, false, err
		}
		if initialized {
			return free, false, nil
		}
		for i := 0; i < s.cfg.TotalSlots; i++ {
			free[i] = true
		}
		return free, true, nil
	}
	for _, m := range members {
		if slot, err := strconv.Atoi(m); err == nil {
			free[slot] = true
		}
	}
	return free, false, nil
}

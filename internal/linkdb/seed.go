package linkdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// SeedTopology writes pops, links and interfaces into the store, seeding
// every link's free-slot set with the full default range. Normally the slice
// manager owns this data; seeding is for development and tests.
func (s *RedisStore) SeedTopology(ctx context.Context, pops []PopNode, links []NetworkLink, ifaces []Interface) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, pop := range pops {
			routers, err := json.Marshal(pop.Routers)
			if err != nil {
				return err
			}
			p.SAdd(ctx, keyPops, pop.ID)
			p.HSet(ctx, popKey(pop.ID),
				"name", pop.Name,
				"location", pop.Location,
				"routers", string(routers))
		}
		for _, link := range links {
			total := link.TotalSlots
			if total == 0 {
				total = s.cfg.TotalSlots
			}
			p.SAdd(ctx, keyLinks, link.ID)
			p.HSet(ctx, linkKey(link.ID),
				"pop_a", link.PopA,
				"pop_b", link.PopB,
				"distance_km", strconv.FormatFloat(link.DistanceKM, 'f', -1, 64),
				"total_channels", strconv.Itoa(total/4),
				"channel_spacing", strconv.FormatFloat(link.ChannelSpacing, 'f', -1, 64),
				"occupied_slots", "{}",
				"slots_initialized", "1")
			slots := make([]any, total)
			for i := range slots {
				slots[i] = i
			}
			p.SAdd(ctx, slotsKey(link.ID), slots...)
		}
		for _, iface := range ifaces {
			status := iface.Status
			if status == "" {
				status = InterfaceAvailable
			}
			p.HSet(ctx, interfaceKey(iface.Pop, iface.Router, iface.Name),
				"status", string(status),
				"current_connection", iface.Connection)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed topology: %w", err)
	}
	return nil
}

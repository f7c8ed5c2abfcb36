package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EnsureTopics creates the per-tenant topics when the deployment makes the
// controller responsible for them. Already-existing topics are fine.
func EnsureTopics(ctx context.Context, brokers []string, partitions, replication int, topics ...string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	for _, topic := range topics {
		_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic)
		if err != nil {
			if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
				continue
			}
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
	}
	return nil
}

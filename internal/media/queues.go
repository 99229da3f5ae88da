package media

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
)

// OpenQueues returns one queue handle per media kind.
func OpenQueues(rdb redis.UniversalClient) (map[enums.MediaKind]*queue.Queue, error) {
	out := make(map[enums.MediaKind]*queue.Queue, len(Kinds()))
	for _, kind := range Kinds() {
		name, err := QueueFor(kind)
		if err != nil {
			return nil, err
		}
		q, err := queue.New(rdb, name)
		if err != nil {
			return nil, fmt.Errorf("open queue %s: %w", name, err)
		}
		out[kind] = q
	}
	return out, nil
}

// QueueByName finds the handle for a queue name.
func QueueByName(queues map[enums.MediaKind]*queue.Queue, name string) (*queue.Queue, error) {
	for _, q := range queues {
		if q.Name() == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("unknown queue %q", name)
}

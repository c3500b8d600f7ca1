// Package nodeid assigns each broker instance a unique 10-bit node id via
// a shared Redis counter, so IdGen.Next can stay unique across up to 1024
// cooperating brokers that share a persistence backend.
package nodeid

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const maxNodeID = 1023

// Claim atomically increments key on the Redis server at addr and returns
// the result modulo 1024 as this instance's node id. Coordination only —
// cross-node message routing is out of scope.
func Claim(ctx context.Context, addr, key string) (uint16, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	n, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("nodeid: claim %s: %w", key, err)
	}
	return uint16(n % (maxNodeID + 1)), nil
}

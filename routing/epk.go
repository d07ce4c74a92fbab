package routing

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// EffectivePartitionKey hashes a partition key value into the routing key
// space: the xxhash64 digest with its top bit cleared, as 16 upper-case hex
// digits. Every result sorts below the "FF" upper bound of the space.
func EffectivePartitionKey(partitionKey string) string {
	return fmt.Sprintf("%016X", xxhash.Sum64String(partitionKey)&^(1<<63))
}

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyJoinsPartsAndTrimsPrefix(t *testing.T) {
	r := &RedisClient{keyPrefix: "stratum:"}

	assert.Equal(t, "stratum:workers:online", r.key("workers", "online"))
	assert.Equal(t, "stratum:worker:alice.rig1:heartbeat", r.key("worker", "alice.rig1", "heartbeat"))
	assert.Equal(t, "stratum:job:current", r.key("job", "current"))
}

func TestKeyWithNoPartsReturnsBarePrefix(t *testing.T) {
	r := &RedisClient{keyPrefix: "stratum:"}
	assert.Equal(t, "stratum", r.key())
}

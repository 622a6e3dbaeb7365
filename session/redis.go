package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport failures talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	saveStatusSkipped int64 = 0
	saveStatusWritten int64 = 1
)

// readSeqLua decodes the big-endian Seq of an encoded record. Seq values are
// unix microseconds, inside the 2^53 range Lua numbers represent exactly.
const readSeqLua = `
local function read_be64(s, i)
  local b1 = string.byte(s, i)
  local b2 = string.byte(s, i + 1)
  local b3 = string.byte(s, i + 2)
  local b4 = string.byte(s, i + 3)
  local b5 = string.byte(s, i + 4)
  local b6 = string.byte(s, i + 5)
  local b7 = string.byte(s, i + 6)
  local b8 = string.byte(s, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end
`

const saveRecordScript = readSeqLua + `
local record_key = KEYS[1]
local tomb_key = KEYS[2]
local data = ARGV[1]
local next_seq = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
local offset = tonumber(ARGV[4])

local tomb = redis.call("GET", tomb_key)
if tomb and tonumber(tomb) >= next_seq then
  return 0
end

local current = redis.call("GET", record_key)
if current then
  local stored = read_be64(current, offset)
  if stored and stored >= next_seq then
    return 0
  end
end

if ttl_ms > 0 then
  redis.call("SET", record_key, data, "PX", ARGV[3])
else
  redis.call("SET", record_key, data)
end
return 1
`

const deleteRecordScript = readSeqLua + `
local record_key = KEYS[1]
local tomb_key = KEYS[2]
local seq = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])
local offset = tonumber(ARGV[3])

local tomb = redis.call("GET", tomb_key)
if not tomb or tonumber(tomb) < seq then
  if ttl_ms > 0 then
    redis.call("SET", tomb_key, ARGV[1], "PX", ARGV[2])
  else
    redis.call("SET", tomb_key, ARGV[1])
  end
end

local current = redis.call("GET", record_key)
if current then
  local stored = read_be64(current, offset)
  if not stored or stored < seq then
    redis.call("DEL", record_key)
    return 1
  end
end
return 0
`

var (
	saveRecordLua   = redis.NewScript(saveRecordScript)
	deleteRecordLua = redis.NewScript(deleteRecordScript)
)

// RedisPersister writes credential records to Redis. Writes are ordered by
// Record.Seq inside Lua scripts, so a slow save can never resurrect a session
// that a later logout deleted, even across processes sharing the key.
//
//	Performance: 1 EVALSHA per Save/Delete, 1 GET per Load.
type RedisPersister struct {
	redis  redis.UniversalClient
	prefix string
	name   string
	ttl    time.Duration
}

// NewRedisPersister creates a [RedisPersister]. prefix namespaces keys, name
// identifies the stored session (one per operator/profile), and ttl bounds how
// long a record survives without being rewritten (0 = no expiry).
func NewRedisPersister(client redis.UniversalClient, prefix, name string, ttl time.Duration) *RedisPersister {
	if prefix == "" {
		prefix = "gac"
	}
	if name == "" {
		name = "default"
	}
	return &RedisPersister{
		redis:  client,
		prefix: prefix,
		name:   name,
		ttl:    ttl,
	}
}

// Both keys share a hash tag so the scripts stay single-slot on Redis Cluster.
func (p *RedisPersister) key() string {
	return p.prefix + ":cred:{" + p.name + "}"
}

func (p *RedisPersister) tombKey() string {
	return p.prefix + ":cred:{" + p.name + "}:tomb"
}

// Save persists r unless a newer record or deletion is already stored.
func (p *RedisPersister) Save(ctx context.Context, r Record) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}

	status, err := saveRecordLua.Run(ctx, p.redis,
		[]string{p.key(), p.tombKey()},
		data,
		strconv.FormatUint(r.Seq, 10),
		p.ttl.Milliseconds(),
		seqOffset,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status != saveStatusWritten && status != saveStatusSkipped {
		return fmt.Errorf("unexpected save status %d", status)
	}
	return nil
}

// Load returns the stored record. A missing key is not an error.
func (p *RedisPersister) Load(ctx context.Context) (Record, bool, error) {
	data, err := p.redis.Get(ctx, p.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	r, err := Decode(data)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Delete removes the record (if not newer than seq) and leaves a tombstone so
// late saves with a lower Seq are ignored.
func (p *RedisPersister) Delete(ctx context.Context, seq uint64) error {
	err := deleteRecordLua.Run(ctx, p.redis,
		[]string{p.key(), p.tombKey()},
		strconv.FormatUint(seq, 10),
		p.tombstoneTTL().Milliseconds(),
		seqOffset,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping measures a Redis round-trip.
func (p *RedisPersister) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (p *RedisPersister) tombstoneTTL() time.Duration {
	if p.ttl > 0 {
		return p.ttl
	}
	return 24 * time.Hour
}

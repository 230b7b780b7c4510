package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldKey        = "key"
	fieldTag        = "tag"
	fieldShard      = "shard"
	fieldPayload    = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"

	// half message bookkeeping, never copied to the stream
	fieldTopic    = "_topic"
	fieldStagedAt = "_stagedAt"
	fieldChecks   = "_checks"
)

// claimScript leases a due pending entry by moving its score to the next
// check time. Only one caller wins a given due entry.
//
// KEYS[1] pending zset, ARGV[1] handle, ARGV[2] now ms, ARGV[3] next check ms
const claimScript = `
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s then return 0 end
if tonumber(s) > tonumber(ARGV[2]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`

// countCheckScript bumps the check counter of a half message that still
// exists. It returns -1 once End or another checker resolved the handle.
//
// KEYS[1] half message hash, ARGV[1] counter field
const countCheckScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`

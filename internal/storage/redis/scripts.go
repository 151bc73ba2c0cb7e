package redis

import "github.com/redis/go-redis/v9"

const (
	// saveRecordScript atomically stores a finished session and its indexes
	saveRecordScript = `
local record_key = KEYS[1]    -- khome:record:{sessionID}
local user_index = KEYS[2]    -- khome:records:user:{userID}
local all_index = KEYS[3]     -- khome:records

local session_id = ARGV[1]
local score = ARGV[10]
local ttl = tonumber(ARGV[11])

redis.call('HSET', record_key,
  'session_id', session_id,
  'entity_id', ARGV[2],
  'user_id', ARGV[3],
  'activity_type', ARGV[4],
  'quota_type', ARGV[5],
  'start_time', ARGV[6],
  'end_time', ARGV[7],
  'duration', ARGV[8],
  'active_time', ARGV[9]
)

-- Both indexes are scored by end time so pruning can walk them by range
redis.call('ZADD', user_index, score, session_id)
redis.call('ZADD', all_index, score, session_id)

if ttl > 0 then
  redis.call('EXPIRE', record_key, ttl)
end

return 'OK'
`

	// incrementDailyUsageScript atomically increments or creates daily usage
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- khome:usage:daily:{date}:{userID}:{quota}
local index_key = KEYS[2]     -- khome:usage:daily:index:{date}
local dates_key = KEYS[3]     -- khome:usage:daily:dates

local date = ARGV[1]
local user_id = ARGV[2]
local quota_type = ARGV[3]
local millis = tonumber(ARGV[4])
local date_score = ARGV[5]
local ttl = tonumber(ARGV[6])

local exists = redis.call('EXISTS', usage_key)

if exists == 0 then
  redis.call('HSET', usage_key,
    'date', date,
    'user_id', user_id,
    'quota_type', quota_type,
    'total_ms', millis
  )
  redis.call('EXPIRE', usage_key, ttl)

  redis.call('SADD', index_key, user_id .. ':' .. quota_type)
  redis.call('EXPIRE', index_key, ttl)
  redis.call('ZADD', dates_key, date_score, date)
else
  redis.call('HINCRBY', usage_key, 'total_ms', millis)
end

return redis.call('HGET', usage_key, 'total_ms')
`
)

var (
	saveRecord          = redis.NewScript(saveRecordScript)
	incrementDailyUsage = redis.NewScript(incrementDailyUsageScript)
)

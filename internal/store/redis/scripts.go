package redis

const (
	// closeStaleScript closes every open session whose last heartbeat is at
	// or before the cutoff and drops it from the open indexes
	closeStaleScript = `
local open_index = KEYS[1]      -- {prefix}:sessions:open

local prefix = ARGV[1]
local cutoff = ARGV[2]

local ids = redis.call('ZRANGEBYSCORE', open_index, '-inf', cutoff)
local closed = 0

for _, id in ipairs(ids) do
  local session_key = prefix .. ':session:' .. id
  local fields = redis.call('HMGET', session_key, 'project_handle', 'last_heartbeat')

  redis.call('ZREM', open_index, id)

  if fields[1] then
    redis.call('HSET', session_key, 'end_time', fields[2])
    redis.call('SREM', prefix .. ':project:' .. fields[1] .. ':open', id)
    closed = closed + 1
  end
end

return closed
`
)

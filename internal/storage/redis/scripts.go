package redis

const (
	// rollupScript applies a maintenance pass atomically. Every value it will
	// touch is checked before the first write so a rejected pass leaves all
	// tiers as they were.
	rollupScript = `
local weekly_key = KEYS[1]     -- voicetime:weekly
local monthly_key = KEYS[2]    -- voicetime:monthly:{month}
local alltime_key = KEYS[3]    -- voicetime:alltime
local last_key = KEYS[4]       -- voicetime:last_updated
-- KEYS[5..16]                 -- voicetime:monthly:1 .. voicetime:monthly:12

local day = ARGV[1]
local month = ARGV[2]
local year = ARGV[3]
local do_weekly = ARGV[4] == '1'
local do_monthly = ARGV[5] == '1'
-- ARGV[6..]                   -- retained months

local last = redis.call('HMGET', last_key, 'day', 'month', 'year')
if last[1] == day and last[2] == month and (not last[3] or last[3] == year) then
  return {1, 0, 0, 0, 0}
end

local rows = redis.call('HGETALL', weekly_key)
for i = 1, #rows, 2 do
  if tonumber(rows[i + 1]) == nil then
    return redis.error_reply('non-numeric weekly value for ' .. rows[i])
  end
  for _, target in ipairs({monthly_key, alltime_key}) do
    local current = redis.call('HGET', target, rows[i])
    if current and tonumber(current) == nil then
      return redis.error_reply('non-numeric value in ' .. target .. ' for ' .. rows[i])
    end
  end
end

local weekly_merged = 0
local alltime_merged = 0
local monthly_deleted = 0
local wiped = 0

if do_weekly then
  for i = 1, #rows, 2 do
    redis.call('HINCRBYFLOAT', monthly_key, rows[i], rows[i + 1])
  end
  weekly_merged = #rows / 2
  redis.call('DEL', weekly_key)
  rows = {}
  wiped = 1
end

if do_monthly then
  for i = 1, #rows, 2 do
    redis.call('HINCRBYFLOAT', alltime_key, rows[i], rows[i + 1])
  end
  alltime_merged = #rows / 2
  redis.call('DEL', weekly_key)
  wiped = 1

  local retain = {}
  for i = 6, #ARGV do
    retain[ARGV[i]] = true
  end
  for i = 5, #KEYS do
    if not retain[tostring(i - 4)] then
      monthly_deleted = monthly_deleted + redis.call('HLEN', KEYS[i])
      redis.call('DEL', KEYS[i])
    end
  end
end

redis.call('HSET', last_key, 'day', day, 'month', month, 'year', year)

return {0, weekly_merged, alltime_merged, monthly_deleted, wiped}
`

	// upsertOnceScript adds a delta to a tier hash unless the operation
	// marker already exists. The target is checked before the marker is set so
	// a failed increment never leaves a marker behind.
	upsertOnceScript = `
local hash_key = KEYS[1]       -- tier hash
local op_key = KEYS[2]         -- voicetime:op:{id}

local field = ARGV[1]
local delta = ARGV[2]
local ttl = ARGV[3]

local current = redis.call('HGET', hash_key, field)
if current and tonumber(current) == nil then
  return redis.error_reply('non-numeric value in ' .. hash_key .. ' for ' .. field)
end

if not redis.call('SET', op_key, '1', 'NX', 'EX', ttl) then
  return 0
end

redis.call('HINCRBYFLOAT', hash_key, field, delta)
return 1
`
)

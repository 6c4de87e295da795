package redis

import goredis "github.com/redis/go-redis/v9"

// claimScript walks a queue's waiting set in claim order and moves up to
// ARGV[1] due jobs outside the excluded groups to executing.
//
// KEYS: waiting zset, executing set, last-seen zset.
// ARGV: limit, now stamp, now millis, worker ID, job key prefix,
// excluded group IDs...
var claimScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local now = ARGV[2]
local excluded = {}
for i = 6, #ARGV do
	excluded[ARGV[i]] = true
end

local picked = {}
local offset = 0
local chunk = 128
while #picked < limit do
	local members = redis.call('ZRANGE', KEYS[1], offset, offset + chunk - 1)
	if #members == 0 then
		break
	end
	for _, member in ipairs(members) do
		local id = string.sub(member, 22)
		local f = redis.call('HMGET', ARGV[5] .. id, 'run_at', 'group_id', 'status')
		if f[3] == 'waiting' and f[1] and f[1] <= now then
			local g = f[2] or ''
			if g == '' or not excluded[g] then
				table.insert(picked, member)
				if #picked >= limit then
					break
				end
			end
		end
	end
	offset = offset + chunk
end

local ids = {}
for _, member in ipairs(picked) do
	local id = string.sub(member, 22)
	redis.call('ZREM', KEYS[1], member)
	redis.call('SADD', KEYS[2], id)
	redis.call('ZADD', KEYS[3], ARGV[3], id)
	redis.call('HSET', ARGV[5] .. id, 'status', 'executing', 'worker_id', ARGV[4], 'updated_at', now)
	table.insert(ids, id)
end
return ids
`)

// heartbeatScript refreshes an executing job owned by ARGV[1] (any owner
// when empty). Returns 0 when the guard does not hold.
//
// KEYS: job hash, last-seen zset.
// ARGV: worker ID, now stamp, now millis, job ID.
var heartbeatScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'worker_id')
if f[1] ~= 'executing' then
	return 0
end
if ARGV[1] ~= '' and f[2] ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// createGroupScript creates a group unless it exists.
//
// KEYS: group hash, groups set, paused set.
// ARGV: group ref, group ID, status, total, completed, failed, created, updated.
var createGroupScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'status', ARGV[3],
	'total_jobs', ARGV[4],
	'completed_jobs', ARGV[5],
	'failed_jobs', ARGV[6],
	'created_at', ARGV[7],
	'updated_at', ARGV[8])
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[3] == 'paused' then
	redis.call('SADD', KEYS[3], ARGV[2])
end
return 1
`)

// incrementTotalScript adds ARGV[2] to a group's total, creating an active
// group first when none exists.
//
// KEYS: group hash, groups set.
// ARGV: group ref, n, now stamp.
var incrementTotalScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'status', 'active',
		'total_jobs', 0,
		'completed_jobs', 0,
		'failed_jobs', 0,
		'created_at', ARGV[3])
	redis.call('SADD', KEYS[2], ARGV[1])
end
redis.call('HINCRBY', KEYS[1], 'total_jobs', ARGV[2])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1
`)

// incrementCounterScript adds one to a counter of an existing group.
//
// KEYS: group hash.
// ARGV: field, now stamp.
var incrementCounterScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

// setGroupStatusScript pauses or resumes an existing group and keeps the
// queue's paused set in step.
//
// KEYS: group hash, paused set.
// ARGV: status, group ID, now stamp.
var setGroupStatusScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
if ARGV[1] == 'paused' then
	redis.call('SADD', KEYS[2], ARGV[2])
else
	redis.call('SREM', KEYS[2], ARGV[2])
end
return 1
`)

var scripts = []*goredis.Script{
	claimScript,
	heartbeatScript,
	createGroupScript,
	incrementTotalScript,
	incrementCounterScript,
	setGroupStatusScript,
}

package redis

import goredis "github.com/redis/go-redis/v9"

// Lua scripts for the conditional writes of the session store. Each one reads
// and writes a tenant's pointer keys and the session hash atomically.

// createScript inserts a session unless the tenant already has an open one.
// Returns "" on insert, otherwise the ID of the open session.
// KEYS: [1]=tenant open key, [2]=session hash, [3]=tenant index, [4]=global index
// ARGV: [1]=session id, [2]=tenant, [3]=site name, [4]=callback url, [5]=created ns, [6]=created ms
var createScript = goredis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
redis.call('HSET', KEYS[2],
	'tenant_id', ARGV[2], 'active', '0',
	'site_name', ARGV[3], 'callback_url', ARGV[4],
	'created_at', ARGV[5], 'closed_at', '', 'close_reason', '')
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[1])
return ''
`)

// markActiveScript claims the tenant's active slot for a session.
// Returns one of "ok", "not_found", "closed", "conflict".
// KEYS: [1]=session hash, [2]=tenant active key
// ARGV: [1]=session id
var markActiveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'not_found'
end
if redis.call('HGET', KEYS[1], 'closed_at') ~= '' then
	return 'closed'
end
local current = redis.call('GET', KEYS[2])
if current and current ~= ARGV[1] then
	return 'conflict'
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'active', '1')
return 'ok'
`)

// markInactiveScript releases the tenant's active slot if the session holds it.
// Returns 0 when the session does not exist.
// KEYS: [1]=session hash, [2]=tenant active key
// ARGV: [1]=session id
var markInactiveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'active', '0')
if redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
return 1
`)

// closeScript closes a session once; later calls keep the first reason.
// Returns 0 when the session does not exist.
// KEYS: [1]=session hash, [2]=tenant active key, [3]=tenant open key, [4]=closed index
// ARGV: [1]=session id, [2]=reason, [3]=closed ns, [4]=closed ms
var closeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'closed_at') ~= '' then
	return 1
end
redis.call('HSET', KEYS[1], 'active', '0', 'closed_at', ARGV[3], 'close_reason', ARGV[2])
if redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
if redis.call('GET', KEYS[3]) == ARGV[1] then
	redis.call('DEL', KEYS[3])
end
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

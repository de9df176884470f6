package store

// Lua scripts keep multi-key redis operations atomic. Every script
// receives the key prefix as ARGV[1] and builds its keys from it, so
// KEYS is left empty; the store targets a single redis instance.
//
// Error replies: ENOWORKFLOW when the workflow key is missing,
// ETERMINAL when an append targets a terminated workflow.

// luaPrelude defines the key helpers shared by all scripts.
const luaPrelude = `
local prefix = ARGV[1]
local pendingKey = prefix .. ':tasks:pending'
local taskSeqKey = prefix .. ':tasks:seq'
local allKey = prefix .. ':wf:all'
local function wfKey(id) return prefix .. ':wf:' .. id end
local function eventsKey(id) return prefix .. ':wf:' .. id .. ':events' end
local function seqKey(id) return prefix .. ':wf:' .. id .. ':seq' end
local function wfTasksKey(id) return prefix .. ':wf:' .. id .. ':tasks' end
local function logsKey(id) return prefix .. ':wf:' .. id .. ':logs' end
local function taskKey(id) return prefix .. ':task:' .. id end

local function loadWorkflow(id)
  local j = redis.call('GET', wfKey(id))
  if not j then
    return nil
  end
  return cjson.decode(j)
end

local function isTerminal(status)
  return status ~= 'RUNNING'
end

-- appendEvent embeds the next per-workflow sequence number as the
-- event ID and adds the event to the log zset. The caller's JSON is
-- stored verbatim with the id spliced in front; a cjson round trip
-- would lose the distinction between empty objects and empty arrays
-- in the payload.
local function appendEvent(wfid, evjson)
  local seq = redis.call('INCR', seqKey(wfid))
  local member = '{"id":' .. seq .. ',' .. string.sub(evjson, 2)
  redis.call('ZADD', eventsKey(wfid), seq, member)
  return seq
end

-- insertTask assigns a global task sequence, derives the pending zset
-- member (zero-padded sequence then ID, so equal scores claim in
-- creation order) and registers the task everywhere it is indexed.
-- eventId, when given, binds the task to the event that scheduled it.
local function insertTask(taskjson, runAtMs, eventId)
  local t = cjson.decode(taskjson)
  local tseq = redis.call('INCR', taskSeqKey)
  t['seq'] = tseq
  t['member'] = string.format('%016d|%s', tseq, t['id'])
  if eventId then
    t['event_id'] = eventId
  end
  redis.call('SET', taskKey(t['id']), cjson.encode(t))
  redis.call('ZADD', pendingKey, runAtMs, t['member'])
  redis.call('ZADD', wfTasksKey(t['workflow_id']), tseq, t['id'])
end
`

// luaCreateWorkflow inserts the workflow record, the WORKFLOW_STARTED
// event and the first driver task.
//
// ARGV: prefix, workflow JSON, created_at ms, event JSON, task JSON, run_at ms
const luaCreateWorkflow = luaPrelude + `
local wf = cjson.decode(ARGV[2])
redis.call('SET', wfKey(wf['id']), ARGV[2])
redis.call('ZADD', allKey, tonumber(ARGV[3]), wf['id'])
appendEvent(wf['id'], ARGV[4])
insertTask(ARGV[5], tonumber(ARGV[6]))
return 1
`

// luaAppendEvents appends one or more events after checking that the
// workflow exists and is still running.
//
// ARGV: prefix, workflow ID, event JSON...
const luaAppendEvents = luaPrelude + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
if isTerminal(wf['status']) then
  return redis.error_reply('ETERMINAL')
end
local last = 0
for i = 3, #ARGV do
  last = appendEvent(ARGV[2], ARGV[i])
end
return last
`

// luaScheduleWork appends an event and inserts a pending task, the
// shape shared by activity scheduling and timer creation.
//
// ARGV: prefix, workflow ID, event JSON, task JSON, run_at ms
const luaScheduleWork = luaPrelude + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
if isTerminal(wf['status']) then
  return redis.error_reply('ETERMINAL')
end
local seq = appendEvent(ARGV[2], ARGV[3])
insertTask(ARGV[4], tonumber(ARGV[5]), seq)
return 1
`

// luaClaimTask pops the oldest due member from the pending zset and
// transitions its task to RUNNING. Returns the updated task JSON, or
// false when nothing is due.
//
// ARGV: prefix, now ms
const luaClaimTask = luaPrelude + `
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', pendingKey, '-inf', now, 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local member = due[1]
redis.call('ZREM', pendingKey, member)
local id = string.sub(member, 18)
local tj = redis.call('GET', taskKey(id))
if not tj then
  return false
end
local t = cjson.decode(tj)
if t['status'] ~= 'PENDING' then
  return false
end
t['status'] = 'RUNNING'
t['attempts'] = t['attempts'] + 1
t['updated_at'] = now
local out = cjson.encode(t)
redis.call('SET', taskKey(id), out)
return out
`

// luaSetTaskStatus transitions a task between statuses, guarded by the
// expected current status when one is given. A transition to PENDING
// puts the member back on the pending zset, optionally with a new
// run_at for retries.
//
// ARGV: prefix, task ID, from status ('' for any), to status, error
// message, now ms, new run_at ms ('' to keep)
const luaSetTaskStatus = luaPrelude + `
local tj = redis.call('GET', taskKey(ARGV[2]))
if not tj then
  return 0
end
local t = cjson.decode(tj)
if ARGV[3] ~= '' and t['status'] ~= ARGV[3] then
  return 0
end
t['status'] = ARGV[4]
t['last_error'] = ARGV[5]
t['updated_at'] = tonumber(ARGV[6])
if ARGV[7] ~= '' then
  t['run_at'] = tonumber(ARGV[7])
end
redis.call('SET', taskKey(ARGV[2]), cjson.encode(t))
if ARGV[4] == 'PENDING' then
  redis.call('ZADD', pendingKey, t['run_at'], t['member'])
end
return 1
`

// rotateBody completes any RUNNING driver task and inserts the
// replacement driver only when no PENDING one exists.
const rotateBody = `
local function rotate(wfid, now, taskjson, runAtMs)
  local ids = redis.call('ZRANGE', wfTasksKey(wfid), 0, -1)
  local pendingSteps = 0
  for _, tid in ipairs(ids) do
    local tj = redis.call('GET', taskKey(tid))
    if tj then
      local t = cjson.decode(tj)
      if t['kind'] == 'STEP' then
        if t['status'] == 'RUNNING' then
          t['status'] = 'COMPLETED'
          t['updated_at'] = now
          redis.call('SET', taskKey(tid), cjson.encode(t))
        elseif t['status'] == 'PENDING' then
          pendingSteps = pendingSteps + 1
        end
      end
    end
  end
  if pendingSteps == 0 then
    insertTask(taskjson, runAtMs)
  end
end
`

// luaRotateDriver rotates the driver task for a workflow.
//
// ARGV: prefix, workflow ID, now ms, replacement task JSON, run_at ms
const luaRotateDriver = luaPrelude + rotateBody + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
rotate(ARGV[2], tonumber(ARGV[3]), ARGV[4], tonumber(ARGV[5]))
return 1
`

// luaCompleteActivity records the completion event, finishes the
// activity task and rotates the driver in one step.
//
// ARGV: prefix, workflow ID, now ms, event JSON, activity task ID,
// replacement task JSON, run_at ms
const luaCompleteActivity = luaPrelude + rotateBody + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
if isTerminal(wf['status']) then
  return redis.error_reply('ETERMINAL')
end
local now = tonumber(ARGV[3])
appendEvent(ARGV[2], ARGV[4])
local tj = redis.call('GET', taskKey(ARGV[5]))
if tj then
  local t = cjson.decode(tj)
  if t['status'] == 'RUNNING' then
    t['status'] = 'COMPLETED'
    t['updated_at'] = now
    redis.call('SET', taskKey(ARGV[5]), cjson.encode(t))
  end
end
rotate(ARGV[2], now, ARGV[6], tonumber(ARGV[7]))
return 1
`

// luaCreateSignal appends SIGNAL_RECEIVED and wakes the workflow by
// rotating the driver. Only RUNNING workflows accept signals.
//
// ARGV: prefix, workflow ID, now ms, event JSON, replacement task
// JSON, run_at ms
const luaCreateSignal = luaPrelude + rotateBody + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
if wf['status'] ~= 'RUNNING' then
  return redis.error_reply('ETERMINAL')
end
local now = tonumber(ARGV[3])
appendEvent(ARGV[2], ARGV[4])
rotate(ARGV[2], now, ARGV[5], tonumber(ARGV[6]))
return 1
`

// luaMarkTerminal moves a workflow into a terminal status: appends the
// closing event, updates the record, fails leftover pending tasks when
// asked and completes a running driver on successful completion.
// Returns 0 without touching anything when the workflow already
// terminated.
//
// ARGV: prefix, workflow ID, now ms, new status, event JSON, fail
// pending error ('' to skip), complete running step ('1' or '')
const luaMarkTerminal = luaPrelude + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
if isTerminal(wf['status']) then
  return 0
end
local now = tonumber(ARGV[3])
appendEvent(ARGV[2], ARGV[5])
wf['status'] = ARGV[4]
wf['updated_at'] = now
redis.call('SET', wfKey(ARGV[2]), cjson.encode(wf))

local ids = redis.call('ZRANGE', wfTasksKey(ARGV[2]), 0, -1)
for _, tid in ipairs(ids) do
  local tj = redis.call('GET', taskKey(tid))
  if tj then
    local t = cjson.decode(tj)
    if ARGV[6] ~= '' and t['status'] == 'PENDING' then
      t['status'] = 'FAILED'
      t['last_error'] = ARGV[6]
      t['updated_at'] = now
      redis.call('SET', taskKey(tid), cjson.encode(t))
      redis.call('ZREM', pendingKey, t['member'])
    elseif ARGV[7] == '1' and t['kind'] == 'STEP' and t['status'] == 'RUNNING' then
      t['status'] = 'COMPLETED'
      t['updated_at'] = now
      redis.call('SET', taskKey(tid), cjson.encode(t))
    end
  end
end
return 1
`

// luaDeleteWorkflow removes the workflow and everything hanging off
// it: tasks, pending members, events, logs and indexes.
//
// ARGV: prefix, workflow ID
const luaDeleteWorkflow = luaPrelude + `
local wf = loadWorkflow(ARGV[2])
if not wf then
  return redis.error_reply('ENOWORKFLOW')
end
local ids = redis.call('ZRANGE', wfTasksKey(ARGV[2]), 0, -1)
for _, tid in ipairs(ids) do
  local tj = redis.call('GET', taskKey(tid))
  if tj then
    local t = cjson.decode(tj)
    redis.call('ZREM', pendingKey, t['member'])
  end
  redis.call('DEL', taskKey(tid))
end
redis.call('DEL', wfTasksKey(ARGV[2]))
redis.call('DEL', eventsKey(ARGV[2]))
redis.call('DEL', seqKey(ARGV[2]))
redis.call('DEL', logsKey(ARGV[2]))
redis.call('DEL', wfKey(ARGV[2]))
redis.call('ZREM', allKey, ARGV[2])
return 1
`

package db

// Queries cast uuid columns to text so rows scan into plain strings.

const createUser = `
INSERT INTO users (username, password_hash)
VALUES ($1, $2)
RETURNING id::text, username, password_hash, avatar_key, created_at`

const userByUsername = `
SELECT id::text, username, password_hash, avatar_key, created_at
FROM users
WHERE lower(username) = lower($1)`

const userByID = `
SELECT id::text, username, password_hash, avatar_key, created_at
FROM users
WHERE id = $1::uuid`

const listUsers = `
SELECT id::text, username, password_hash, avatar_key, created_at
FROM users
WHERE $1::uuid IS NULL OR id <> $1::uuid
ORDER BY username`

const setAvatar = `
UPDATE users u
SET avatar_key = $2
FROM (SELECT avatar_key FROM users WHERE id = $1::uuid FOR UPDATE) old
WHERE u.id = $1::uuid
RETURNING old.avatar_key`

const upsertDirectConversation = `
INSERT INTO conversations (user_a, user_b)
VALUES ($1::uuid, $2::uuid)
ON CONFLICT (user_a, user_b) DO NOTHING
RETURNING id::text`

const directConversationID = `
SELECT id::text FROM conversations WHERE user_a = $1::uuid AND user_b = $2::uuid`

const conversationColumns = `
SELECT c.id::text, c.created_at, c.updated_at,
       ua.id::text, ua.username, ub.id::text, ub.username,
       lm.id::text, lm.sender_id::text, su.username, lm.content, lm.created_at, lm.read_at,
       (SELECT count(*) FROM messages m
        WHERE m.conversation_id = c.id AND m.sender_id <> $1::uuid AND m.read_at IS NULL)
FROM conversations c
JOIN users ua ON ua.id = c.user_a
JOIN users ub ON ub.id = c.user_b
LEFT JOIN LATERAL (
    SELECT * FROM messages m WHERE m.conversation_id = c.id ORDER BY m.created_at DESC LIMIT 1
) lm ON true
LEFT JOIN users su ON su.id = lm.sender_id`

// conversationsFor takes the viewer as $1.
const conversationsFor = conversationColumns + `
WHERE c.user_a = $1::uuid OR c.user_b = $1::uuid
ORDER BY c.updated_at DESC`

// conversationByID takes a nil viewer as $1 and the conversation as $2.
const conversationByID = conversationColumns + `
WHERE c.id = $2::uuid`

const canAccess = `
SELECT EXISTS (
    SELECT 1 FROM conversations
    WHERE id = $2::uuid AND (user_a = $1::uuid OR user_b = $1::uuid)
)`

const conversationsOf = `
SELECT id::text FROM conversations WHERE user_a = $1::uuid OR user_b = $1::uuid`

const insertMessage = `
INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5)`

const touchConversation = `
UPDATE conversations SET updated_at = $2 WHERE id = $1::uuid`

const markRead = `
UPDATE messages m
SET read_at = COALESCE(m.read_at, $3)
FROM conversations c
WHERE m.id = $1::uuid
  AND c.id = m.conversation_id
  AND (c.user_a = $2::uuid OR c.user_b = $2::uuid)
  AND m.sender_id <> $2::uuid
RETURNING m.conversation_id::text`

const messageConversation = `
SELECT m.conversation_id::text,
       (c.user_a = $2::uuid OR c.user_b = $2::uuid)
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE m.id = $1::uuid`

const history = `
SELECT m.id::text, m.conversation_id::text, m.sender_id::text, u.username, m.content, m.created_at, m.read_at
FROM messages m
JOIN users u ON u.id = m.sender_id
WHERE m.conversation_id = $1::uuid
ORDER BY m.created_at DESC
LIMIT $2 OFFSET $3`

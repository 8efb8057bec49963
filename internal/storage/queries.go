package storage

// Statements run by the handlers. Placeholders follow PostgreSQL numbering.
const (
	// insertMessageSQL is a no-op on a duplicate publisher_msg_id: the
	// conflicting update rewrites broker_received_at with its own value.
	insertMessageSQL = `
INSERT INTO messages (
    publisher_msg_id, room_id, sender_id, seq, content, created_at, broker_received_at,
    attachment_url, attachment_type, original_name
) VALUES (
    $1, $2, $3, $4, $5, to_timestamp($6), now(), $7, $8, $9
)
ON CONFLICT (publisher_msg_id) DO UPDATE
    SET broker_received_at = messages.broker_received_at`

	selectFriendshipSQL = `SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2`

	insertFriendshipSQL = `INSERT INTO friendships (user_id, friend_id, status) VALUES ($1, $2, 'PENDING')`

	acceptFriendshipSQL = `UPDATE friendships SET status = 'ACCEPTED' WHERE user_id = $1 AND friend_id = $2`

	insertNotificationSQL = `
INSERT INTO notifications (type, sender_id, receiver_id, reference_id, status)
VALUES ($1, $2, $3, $4, 'unread')`

	selectUnreadInviteSQL = `
SELECT 1 FROM notifications
WHERE type = 'GROUP_INVITE' AND sender_id = $1 AND receiver_id = $2 AND reference_id = $3 AND status = 'unread'`

	markNotificationReadSQL = `UPDATE notifications SET status = 'read' WHERE notif_id = $1`

	selectMemberSQL = `SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2`

	insertMemberSQL = `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`

	pingSQL = `SELECT 1`
)

const (
	notifFriendRequest = "FRIEND_REQUEST"
	notifGroupInvite   = "GROUP_INVITE"
)

// Package onebot is a OneBot v11 client over a forward websocket. It calls
// actions (send_group_msg, send_group_forward_msg, get_forward_msg,
// delete_msg, get_group_list) and matches replies by echo.
//
// The connection is owned by a supervisor: a dropped socket is redialed after
// ReconnectInterval, and calls made while disconnected fail with ErrClosed.
package onebot

package commandqueue

import "errors"

// ErrQueueClosed is returned when sending to a closed queue
var ErrQueueClosed = errors.New("message queue is closed")

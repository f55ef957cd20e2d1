package queue

import "errors"

const pageSize = 4096

var errInvalidQueueConfig = errors.New("queue: invalid qid or qsize")
var errBusy = errors.New("queue: request pool exhausted")

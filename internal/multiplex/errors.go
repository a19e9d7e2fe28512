package multiplex

import "errors"

// Connection-fatal: the header could not be trusted, the transport is torn down
var ErrMalformedFrame = errors.New("malformed frame")

// Stream-recoverable: the offending frame is dropped and the connection stays up
var ErrProtocolViolation = errors.New("protocol violation")

// Connection-fatal: reading from or writing to the transport failed
var ErrTransportFailure = errors.New("transport failure")

// ErrNeedMoreData is returned by decoders holding only a prefix of a frame. It is not a failure.
var ErrNeedMoreData = errors.New("need more data")

// Stream-recoverable: the consumer of a stream fell behind, so an inbound message was dropped
var ErrReceiveBufferFull = errors.New("receive buffer full")

var ErrTimeout = errors.New("deadline exceeded")
var ErrBrokenSession = errors.New("broken session")
var ErrSessionClosing = errors.New("session is closing")
var ErrBrokenStream = errors.New("broken stream")
var ErrSessionRefused = errors.New("session refused by remote")
var ErrPacketizerCancelled = errors.New("packetizer cancelled")
var ErrDeliveryCancelled = errors.New("delivery cancelled")

var errBrokenMultiplexer = errors.New("the multiplexer is broken")
var errRepeatSessionClosing = errors.New("trying to close a closed session")
var errRepeatStreamClosing = errors.New("trying to close a closed stream")
var errNoFreeSessionID = errors.New("no free session id")

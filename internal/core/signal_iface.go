package core

//go:generate mockgen -destination=mocks/signal_connection.go -package=mocks github.com/dkeye/meshroom/internal/core SignalConnection

import "errors"

// ErrBackpressure is returned by TrySend when the outgoing queue is full.
var ErrBackpressure = errors.New("backpressure")

// ErrConnClosed is returned by TrySend after Close.
var ErrConnClosed = errors.New("connection closed")

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
//
// Frames accepted by TrySend are delivered in the order they were accepted.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

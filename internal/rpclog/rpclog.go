// Package rpclog names the rpc package's logging behavior: a thin
// wrapper around the standard log package, so protocol-anomaly
// messages go through one place instead of bare log.Println calls
// scattered through the connection state machine.
package rpclog

import "log"

// Logger is satisfied by *log.Logger and is the only logging surface
// the rpc package depends on.
type Logger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

// Default is the logger used when a Conn is not given one explicitly:
// the standard library's default logger, matching the teacher's bare
// log.Println/log.Printf calls.
var Default Logger = log.Default()

// Package health reports whether the broker, the RPC sessions and the request
// handlers of a process are working.
//
// A Registry runs Checkers concurrently and folds their results into a
// Report whose status is the worst individual status.
package health

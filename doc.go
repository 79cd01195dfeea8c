// Package itoyori implements an almost-deterministic work-stealing
// (ADWS) task-parallel runtime over a distributed rank set, the Go port
// of the ityr runtime's programmer-facing surface: a scheduler
// (package ito) that forks and joins logical threads across ranks via a
// replicated distribution tree (package disttree) and per-depth
// work-stealing queues (package wsqueue), a home/checkout manager for
// globally addressable memory (package ori/home), and an illustrative
// generic container built on top of both (package container).
//
// Package itoyori itself is a thin lifecycle wrapper: Init builds one
// Runtime per process around a transport.Transport, and Runtime's
// methods forward to the underlying ito.Scheduler, matching spec.md
// §6's lifecycle table.
package itoyori

//go:build cgo && libfabric

package main

// Registers the libfabric-backed providers (verbs, tcp, sockets, ...).
import _ "github.com/rocketbitz/fabricbench/fi/libfabric"

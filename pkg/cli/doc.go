// Package cli implements zenithctl, the command-line client for Zenith.
//
// Module commands work on local files and need no server:
//
//	zenithctl validate filter.wasm other.wasm
//	zenithctl inspect filter.wasm
//
// The remaining commands talk to the admin API of a running zenithd, set
// with --api or ZENITH_API:
//
//	zenithctl load filter.wasm --priority high
//	zenithctl plugins
//	zenithctl unload filter
//	zenithctl submit --source 1 --seq 42 --priority critical
//	zenithctl stats
package cli

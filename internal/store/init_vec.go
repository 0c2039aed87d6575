//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension, which makes
	// the vec0 virtual table available to connections. The semantic
	// ranker does not query vec0; it scores heuristics by brute-force
	// cosine similarity with or without this extension.
	vec.Auto()
}

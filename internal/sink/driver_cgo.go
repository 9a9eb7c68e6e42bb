//go:build cgo

package sink

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

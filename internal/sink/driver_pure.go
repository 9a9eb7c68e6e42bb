//go:build !cgo

package sink

import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

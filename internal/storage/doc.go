// Package storage persists run history and seen-illust dedup keys.
package storage

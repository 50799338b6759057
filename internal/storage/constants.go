package db

import "time"

// Advisory lock IDs. Each long-running maintenance job takes its own lock so
// only one instance runs at a time across the deployment.
const (
	LockIDMigration     int64 = 1000
	LockIDTierMigrator  int64 = 1001
	LockIDJournalRecov  int64 = 1002
	LockIDRetention     int64 = 1003
	LockIDColdCompactor int64 = 1004
)

// Startup connection retry: 10 attempts 2s apart covers a cold Postgres
// container start.
const (
	connectAttempts   = 10
	connectRetryDelay = 2 * time.Second
)

// Pool sizing for one service instance.
const (
	poolMaxConns       int32 = 25
	poolMinConns       int32 = 5
	poolMaxIdleTime          = 30 * time.Minute
	poolMaxLifetime          = time.Hour
	poolHealthInterval       = time.Minute
)

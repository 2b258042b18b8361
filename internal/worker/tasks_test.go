package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3liz/qjazz-sub000/internal/broker"
)

func TestTaskTableLifecycle(t *testing.T) {
	tbl := newTaskTable()
	assert.Equal(t, broker.TaskAbsent, tbl.state("j"))

	assert.True(t, tbl.reserve("j"))
	assert.Equal(t, broker.TaskReserved, tbl.state("j"))

	tbl.activate("j", func() {})
	assert.Equal(t, broker.TaskActive, tbl.state("j"))

	tbl.finish("j")
	assert.Equal(t, broker.TaskAbsent, tbl.state("j"))
}

func TestTaskTableRevokeQueued(t *testing.T) {
	tbl := newTaskTable()
	tbl.revoke("j")

	assert.False(t, tbl.reserve("j"))
	assert.True(t, tbl.wasRevoked("j"))
	assert.Equal(t, broker.TaskRevoked, tbl.state("j"))
}

func TestTaskTableRevokeCancelsActive(t *testing.T) {
	tbl := newTaskTable()
	cancelled := false
	assert.True(t, tbl.reserve("j"))
	tbl.activate("j", func() { cancelled = true })

	tbl.revoke("j")
	assert.True(t, cancelled)

	// The revocation outlives the task entry itself.
	tbl.finish("j")
	assert.Equal(t, broker.TaskRevoked, tbl.state("j"))
}

func TestTaskTableRevokedPruning(t *testing.T) {
	tbl := newTaskTable()
	tbl.revoked["stale"] = time.Now().Add(-revokedRetention - time.Hour)

	tbl.revoke("fresh")
	assert.False(t, tbl.wasRevoked("stale"))
	assert.True(t, tbl.wasRevoked("fresh"))
}

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/application/sweeper"
)

func TestSweepCommandPrintsSummary(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep", "--driver", "memory"})

	require.NoError(t, cmd.Execute())

	var sum sweeper.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Zero(t, sum.Candidates)
}

func TestMigrateRejectsSchemalessDriver(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "--driver", "memory"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema")
}

func TestMigrateSQLite(t *testing.T) {
	t.Setenv("CONVOFLOW_STORE__SQLITE_PATH", t.TempDir()+"/convoflow.db")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--driver", "sqlite"})
	require.NoError(t, cmd.Execute())
}

func TestUnknownDriverFlag(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep", "--driver", "mongo"})
	require.Error(t, cmd.Execute())
}

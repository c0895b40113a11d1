// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty directory so no .env is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)
	for _, k := range []string{"STORE_BACKEND", "SCHEDULER_BACKEND", "POLLING_INTERVAL", "API_PORT", "CONTAINER_IDLE_TIMEOUT", "DB_HOST"} {
		t.Setenv(k, "")
	}

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, c.StoreBackend)
	assert.Equal(t, SchedulerNotify, c.SchedulerBackend)
	assert.Equal(t, 5*time.Second, c.PollingInterval)
	assert.Equal(t, "8080", c.APIPort)
	assert.Equal(t, 5*time.Minute, c.ContainerIdleTimeout)
	assert.Equal(t, int64(512), c.ContainerMemoryMB)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := inTempDir(t)
	env := "DB_USER=continuum\nDB_NAME=tasks\nPOLLING_INTERVAL=30\nSTORE_BACKEND=memory\nSCHEDULER_BACKEND=kafka\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	for _, k := range []string{"DB_USER", "DB_NAME", "POLLING_INTERVAL", "STORE_BACKEND", "SCHEDULER_BACKEND"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "continuum", c.DBUser)
	assert.Equal(t, 30*time.Second, c.PollingInterval)
	assert.Equal(t, StoreMemory, c.StoreBackend)
	assert.Equal(t, SchedulerKafka, c.SchedulerBackend)
}

func TestMalformedValuesFallBack(t *testing.T) {
	inTempDir(t)
	t.Setenv("POLLING_INTERVAL", "soon")
	t.Setenv("CONTAINER_IDLE_TIMEOUT", "forever")
	t.Setenv("CONTAINER_CPU_LIMIT", "-1")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("SCHEDULER_BACKEND", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.PollingInterval)
	assert.Equal(t, 5*time.Minute, c.ContainerIdleTimeout)
	assert.Equal(t, 0.5, c.ContainerCPULimit)
}

func TestValidate(t *testing.T) {
	c := Config{StoreBackend: StorePostgres, SchedulerBackend: SchedulerNotify}
	require.NoError(t, c.Validate())

	c.StoreBackend = "sqlite"
	require.Error(t, c.Validate())

	c = Config{StoreBackend: StoreDynamo, SchedulerBackend: SchedulerNotify}
	require.Error(t, c.Validate(), "LISTEN/NOTIFY needs postgres")

	c.SchedulerBackend = SchedulerKafka
	require.NoError(t, c.Validate())
}

func TestDSN(t *testing.T) {
	c := Config{DBUser: "u", DBPassword: "p", DBName: "n", DBHost: "h", DBPort: "1", DBSSLMode: "disable"}
	assert.Equal(t, "user=u password=p dbname=n host=h port=1 sslmode=disable", c.DSN())
}

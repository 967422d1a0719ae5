//go:build integration

package socket

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) (string, int) {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	require.NoError(t, err)
	p, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host, p.Int()
}

func relayCheck(t *testing.T, bpA, bpB Backplane) {
	t.Helper()
	t.Cleanup(func() {
		_ = bpA.Close()
		_ = bpB.Close()
	})
	a, b := newTestHub(bpA), newTestHub(bpB)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	onB := dial(t, serveHub(t, b, "approvers"))
	require.Eventually(t, func() bool { return b.Count() == 1 }, 5*time.Second, 20*time.Millisecond)

	// subscriptions start asynchronously; keep emitting until one lands
	got := make(chan Frame, 1)
	go func() {
		var f Frame
		_ = onB.SetReadDeadline(time.Now().Add(20 * time.Second))
		if onB.ReadJSON(&f) == nil {
			got <- f
		}
	}()
	deadline := time.After(20 * time.Second)
	for {
		a.Emit(ctx, []string{"approvers"}, workflow.EventCreated, map[string]any{"id": 1})
		select {
		case f := <-got:
			assert.Equal(t, workflow.EventCreated, f.Event)
			return
		case <-deadline:
			t.Fatal("event never crossed the backplane")
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func TestRedisBackplane(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}, "6379/tcp")

	ctx := context.Background()
	rcfg := config.RedisConfig{Addr: fmt.Sprintf("%s:%d", host, port)}
	scfg := config.SocketConfig{Backplane: "redis", Channel: "pam_test"}
	bpA, err := NewBackplane(ctx, scfg, rcfg, nil, "")
	require.NoError(t, err)
	bpB, err := NewBackplane(ctx, scfg, rcfg, nil, "")
	require.NoError(t, err)
	relayCheck(t, bpA, bpB)
}

func TestPostgresBackplane(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_USER": "pam", "POSTGRES_PASSWORD": "pam", "POSTGRES_DB": "vault_pam"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}, "5432/tcp")

	ctx := context.Background()
	dbcfg := config.DatabaseConfig{Host: host, Port: port, User: "pam", Password: "pam", Name: "vault_pam", SSLMode: "disable"}
	db, err := pam_postgres.Open(ctx, dbcfg)
	require.NoError(t, err)
	defer pam_postgres.Close(db)

	scfg := config.SocketConfig{Backplane: "postgres", Channel: "pam_test"}
	bpA, err := NewBackplane(ctx, scfg, config.RedisConfig{}, db, dbcfg.ConnString())
	require.NoError(t, err)
	bpB, err := NewBackplane(ctx, scfg, config.RedisConfig{}, db, dbcfg.ConnString())
	require.NoError(t, err)
	relayCheck(t, bpA, bpB)
}

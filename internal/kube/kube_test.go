package kube_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/rest"

	"github.com/codex-k8s/ktime/internal/kube"
)

const testKubeconfigYAML = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://127.0.0.1:1
  name: test-cluster
contexts:
- context:
    cluster: test-cluster
    user: test-user
    namespace: team-a
  name: test-context
current-context: test-context
users:
- name: test-user
  user:
    token: fake-token
`

func TestNewClient_NonExistentKubeconfig(t *testing.T) {
	t.Parallel()

	client, err := kube.NewClient(context.Background(), nil, "/nonexistent/path/to/kubeconfig", "")

	require.Error(t, err)
	assert.Nil(t, client)
	assert.ErrorIs(t, err, kube.ErrClusterConnection)
}

func TestNewClient_UnknownContext(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfigYAML), 0o600))

	_, err := kube.NewClient(context.Background(), nil, path, "missing-context")

	require.Error(t, err)
	assert.ErrorIs(t, err, kube.ErrClusterConnection)
}

func TestNewClient_CancelledContextFailsProbe(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfigYAML), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := kube.NewClient(ctx, nil, path, "")

	require.Error(t, err)
	assert.ErrorIs(t, err, kube.ErrClusterConnection)
}

func TestNewClientFromConfig(t *testing.T) {
	t.Parallel()

	client, err := kube.NewClientFromConfig(&rest.Config{Host: "https://127.0.0.1:6443"})

	require.NoError(t, err)
	assert.NotNil(t, client.Typed)
	assert.NotNil(t, client.Dynamic)
	assert.NotNil(t, client.Discovery)
}

// silentListener accepts connections and never answers them.
func silentListener(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	return listener.Addr().String()
}

func TestNewClient_UnresponsiveServerHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	addr := silentListener(t)
	kubeconfig := fmt.Sprintf(`apiVersion: v1
kind: Config
clusters:
- cluster:
    server: http://%s
  name: silent
contexts:
- context:
    cluster: silent
    user: silent
  name: silent
current-context: silent
users:
- name: silent
  user: {}
`, addr)
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(kubeconfig), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := kube.NewClient(ctx, nil, path, "")

	require.ErrorIs(t, err, kube.ErrClusterConnection)
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestNewClientFromConfig_DiscoveryRequestsTimeOut(t *testing.T) {
	t.Parallel()

	addr := silentListener(t)
	client, err := kube.NewClientFromConfig(&rest.Config{Host: "http://" + addr, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	started := time.Now()
	_, _, err = client.Discovery.ServerGroupsAndResources()

	require.Error(t, err)
	assert.Less(t, time.Since(started), 3*time.Second)
}

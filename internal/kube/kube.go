// Package kube connects to a Kubernetes cluster through client-go.
package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrClusterConnection is returned when no reachable, authenticated cluster context exists.
var ErrClusterConnection = errors.New("cluster connection failed")

// DefaultDiscoveryTimeout bounds each discovery request when the REST config sets no timeout.
// Discovery calls take no context, so this is their only deadline.
const DefaultDiscoveryTimeout = 30 * time.Second

// Client bundles the typed, dynamic and discovery clients built from one REST config.
type Client struct {
	// Kubeconfig is the explicit kubeconfig path, empty when default loading rules were used.
	Kubeconfig string
	// Context is the kubeconfig context override.
	Context string
	// Namespace is the namespace selected by the kubeconfig context, if any.
	Namespace string

	Typed     kubernetes.Interface
	Dynamic   dynamic.Interface
	Discovery discovery.DiscoveryInterface
}

// NewClient loads the kubeconfig (explicit path or KUBECONFIG/~/.kube/config), builds the clients
// and probes the API server once. Any failure is reported as ErrClusterConnection.
func NewClient(ctx context.Context, logger *slog.Logger, kubeconfig, kubeContext string) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := loadClientConfig(kubeconfig, kubeContext)
	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: load kubeconfig: %w", ErrClusterConnection, err)
	}

	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		namespace = ""
	}

	client, err := NewClientFromConfig(restConfig)
	if err != nil {
		return nil, err
	}
	client.Kubeconfig = kubeconfig
	client.Context = kubeContext
	client.Namespace = namespace

	if err := client.Ping(ctx); err != nil {
		return nil, err
	}
	logger.Debug("connected to cluster", "host", restConfig.Host, "context", kubeContext)
	return client, nil
}

// NewClientFromConfig builds clients from an existing REST config without contacting the server.
func NewClientFromConfig(restConfig *rest.Config) (*Client, error) {
	typed, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create kubernetes client: %w", ErrClusterConnection, err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create dynamic client: %w", ErrClusterConnection, err)
	}

	discoveryConfig := rest.CopyConfig(restConfig)
	if discoveryConfig.Timeout <= 0 {
		discoveryConfig.Timeout = DefaultDiscoveryTimeout
	}
	disc, err := discovery.NewDiscoveryClientForConfig(discoveryConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create discovery client: %w", ErrClusterConnection, err)
	}

	return &Client{
		Typed:     typed,
		Dynamic:   dyn,
		Discovery: disc,
	}, nil
}

// Ping checks that the API server answers a version request before ctx is done.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClusterConnection, err)
	}

	restClient := c.Discovery.RESTClient()
	if restClient == nil {
		if _, err := c.Discovery.ServerVersion(); err != nil {
			return fmt.Errorf("%w: query server version: %w", ErrClusterConnection, err)
		}
		return nil
	}
	if _, err := restClient.Get().AbsPath("/version").Do(ctx).Raw(); err != nil {
		return fmt.Errorf("%w: query server version: %w", ErrClusterConnection, err)
	}
	return nil
}

func loadClientConfig(kubeconfig, kubeContext string) clientcmd.ClientConfig {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}

	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}

	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
}

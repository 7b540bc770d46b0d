// Package k8s wraps cluster access: building a clientset, resolving the
// namespace scope and converting ConfigMaps into domain objects.
package k8s

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/u2takey/go-utils/filesystem/homedir"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aonescu/configsync/internal/types"
)

// AllNamespaces is the namespace file content that selects cluster-wide scope.
const AllNamespaces = "ALL"

// NewClientset prefers the in-cluster service account. Outside a cluster it
// falls back to kubeconfig, then to ~/.kube/config.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	config, err := RestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return clientset, nil
}

func RestConfig(kubeconfig string) (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, rest.ErrNotInCluster) {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}

	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	return config, nil
}

// ResolveNamespace returns the namespace to watch, "" meaning all of them.
// A non-empty override wins over the file.
func ResolveNamespace(path, override string) (string, error) {
	raw := override
	if raw == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read namespace file: %w", err)
		}
		raw = string(data)
	}

	namespace := strings.TrimSpace(raw)
	if namespace == "" {
		return "", fmt.Errorf("namespace is empty")
	}
	if namespace == AllNamespaces {
		return "", nil
	}
	return namespace, nil
}

// DisplayNamespace renders "" as "all namespaces" for logs.
func DisplayNamespace(namespace string) string {
	if namespace == "" {
		return "all namespaces"
	}
	return namespace
}

func ToConfigObject(cm *corev1.ConfigMap) types.ConfigObject {
	return types.ConfigObject{
		Namespace:       cm.Namespace,
		Name:            cm.Name,
		ResourceVersion: cm.ResourceVersion,
		Labels:          cm.Labels,
		Data:            cm.Data,
	}
}

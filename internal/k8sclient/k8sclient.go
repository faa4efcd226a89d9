// Package k8sclient constructs the k8s.io/client-go clientset the
// orchestrator-facing components (Node-Info Provider, Deployment Manager)
// run against: in-cluster config when available, falling back to a
// kubeconfig file for local development, the conventional client-go
// bootstrap every controller-runtime-less binary in the ecosystem uses.
package k8sclient

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// New builds a kubernetes.Interface. kubeconfigPath may be empty, in which
// case in-cluster config is tried first, then $HOME/.kube/config.
func New(kubeconfigPath string) (kubernetes.Interface, error) {
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("build kube config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kube client: %w", err)
	}
	return client, nil
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

package kube

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"tunnel/internal/tunnelerr"

	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// loadRawConfig reads the merged kubeconfig, honouring an explicit path when given.
func loadRawConfig(kubeconfig string) (*api.Config, error) {
	pathOptions := clientcmd.NewDefaultPathOptions()
	if kubeconfig != "" {
		pathOptions.LoadingRules.ExplicitPath = kubeconfig
	}
	config, err := pathOptions.GetStartingConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get starting kubeconfig: %w", err)
	}
	return config, nil
}

// GetCurrentKubeContext returns the kubeconfig's current context.
var GetCurrentKubeContext = func(kubeconfig string) (string, error) {
	config, err := loadRawConfig(kubeconfig)
	if err != nil {
		return "", err
	}
	if config.CurrentContext == "" {
		return "", fmt.Errorf("current kubeconfig context is not set")
	}
	return config.CurrentContext, nil
}

// GetAvailableContexts returns every context name in the kubeconfig, sorted.
var GetAvailableContexts = func(kubeconfig string) ([]string, error) {
	config, err := loadRawConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(config.Contexts))
	for name := range config.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// checkContext fails with the list of known contexts when name is not in the kubeconfig.
// An unreadable kubeconfig is left for the client config loader to report.
func checkContext(kubeconfig, name string) error {
	contexts, err := GetAvailableContexts(kubeconfig)
	if err != nil || slices.Contains(contexts, name) {
		return nil
	}
	available := "none"
	if len(contexts) > 0 {
		available = strings.Join(contexts, ", ")
	}
	return tunnelerr.Auth("load kubeconfig", fmt.Errorf("context %q not found in kubeconfig (available: %s)", name, available))
}

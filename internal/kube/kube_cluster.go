package kube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"tunnel/internal/config"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	authorizationv1 "k8s.io/api/authorization/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // exec and oidc auth providers in kubeconfigs
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Options selects the cluster, context and namespace to connect to.
type Options struct {
	// Kubeconfig is an explicit kubeconfig path; empty uses KUBECONFIG and ~/.kube/config.
	Kubeconfig string
	// Context overrides the kubeconfig's current context.
	Context string
	// Namespace overrides the context's namespace.
	Namespace      string
	RequestTimeout time.Duration
	Relay          config.RelayConfig
}

// Handle is an authenticated connection to one cluster and namespace. It is created once
// by Connect and shared read-only by every session.
type Handle struct {
	restConfig    *rest.Config
	client        kubernetes.Interface
	namespace     string
	contextName   string
	serverVersion string
	relay         config.RelayConfig
	// owner is the value of the owner label on relays this handle creates and prunes
	owner string
	now   func() time.Time
	// pollInterval is how often relay readiness is checked
	pollInterval time.Duration
}

// requiredAccess lists the permissions a relay needs in its namespace.
var requiredAccess = []authorizationv1.ResourceAttributes{
	{Verb: "create", Resource: "pods"},
	{Verb: "delete", Resource: "pods"},
	{Verb: "create", Resource: "pods", Subresource: "portforward"},
}

// Connect loads the kubeconfig, builds a clientset and confirms that the API server is
// reachable and that the caller may run relays in the namespace.
func Connect(ctx context.Context, opts Options) (*Handle, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if opts.Kubeconfig != "" {
		loadingRules.ExplicitPath = opts.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{}
	if opts.Context != "" {
		if err := checkContext(opts.Kubeconfig, opts.Context); err != nil {
			return nil, err
		}
		overrides.CurrentContext = opts.Context
	}
	if opts.Namespace != "" {
		overrides.Context.Namespace = opts.Namespace
	}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, tunnelerr.Auth("load kubeconfig", fmt.Errorf("failed to get REST config for context %q: %w", opts.Context, err))
	}
	if opts.RequestTimeout > 0 {
		restConfig.Timeout = opts.RequestTimeout
	}
	namespace, _, err := kubeConfig.Namespace()
	if err != nil {
		return nil, tunnelerr.Auth("load kubeconfig", fmt.Errorf("failed to resolve namespace: %w", err))
	}
	contextName := opts.Context
	if contextName == "" {
		if current, err := GetCurrentKubeContext(opts.Kubeconfig); err == nil {
			contextName = current
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, tunnelerr.Connect("create clientset", fmt.Errorf("failed to create Kubernetes clientset for context %q: %w", contextName, err))
	}

	h := newHandle(restConfig, clientset, namespace, contextName, opts.Relay)
	if h.serverVersion, err = h.verify(ctx); err != nil {
		return nil, err
	}
	logging.Info("Cluster", "Connected to context %s (Kubernetes %s), namespace %s", contextName, h.serverVersion, namespace)
	return h, nil
}

func newHandle(restConfig *rest.Config, client kubernetes.Interface, namespace, contextName string, relay config.RelayConfig) *Handle {
	return &Handle{
		restConfig:   restConfig,
		client:       client,
		namespace:    namespace,
		contextName:  contextName,
		relay:        relay,
		owner:        LocalOwner(),
		now:          time.Now,
		pollInterval: 500 * time.Millisecond,
	}
}

// Namespace returns the namespace relays run in.
func (h *Handle) Namespace() string { return h.namespace }

// ContextName returns the kubeconfig context the handle was built from.
func (h *Handle) ContextName() string { return h.contextName }

// ServerVersion returns the API server version seen by Connect.
func (h *Handle) ServerVersion() string { return h.serverVersion }

// Revalidate checks that the credentials are still accepted and still allow running
// relays. Revoked or expired credentials give an AuthError.
func (h *Handle) Revalidate(ctx context.Context) error {
	_, err := h.verify(ctx)
	return err
}

func (h *Handle) verify(ctx context.Context) (string, error) {
	version, err := h.client.Discovery().ServerVersion()
	if err != nil {
		return "", classifyAPIError("contact API server", err)
	}

	for _, attrs := range requiredAccess {
		attrs.Namespace = h.namespace
		review := &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{ResourceAttributes: &attrs},
		}
		resp, err := h.client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			return "", classifyAPIError("check access", err)
		}
		if !resp.Status.Allowed {
			what := attrs.Resource
			if attrs.Subresource != "" {
				what += "/" + attrs.Subresource
			}
			reason := resp.Status.Reason
			if reason == "" {
				reason = "denied"
			}
			return "", tunnelerr.Auth("check access", fmt.Errorf("not allowed to %s %s in namespace %s: %s", attrs.Verb, what, h.namespace, reason))
		}
	}
	return version.GitVersion, nil
}

// classifyAPIError maps 401 and 403 responses to AuthError and everything else to
// ConnectError.
func classifyAPIError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return tunnelerr.Auth(op, err)
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		if code := status.Status().Code; code == http.StatusUnauthorized || code == http.StatusForbidden {
			return tunnelerr.Auth(op, err)
		}
	}
	// exec credential plugins fail before any request is sent
	if strings.Contains(err.Error(), "getting credentials") {
		return tunnelerr.Auth(op, err)
	}
	return tunnelerr.Connect(op, err)
}

package kube

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"tunnel/internal/portforwarding"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
)

// Labels and annotations put on every relay pod.
const (
	LabelManagedBy     = "app.kubernetes.io/managed-by"
	LabelName          = "app.kubernetes.io/name"
	LabelSource        = "tunnel.dev/source"
	LabelOwner         = "tunnel.dev/owner"
	AnnotationTarget   = "tunnel.dev/target"
	AnnotationEndpoint = "tunnel.dev/endpoint"

	managedByValue = "tunnel"
	relayName      = "tunnel-relay"
	relayContainer = "relay"
)

// RelayEndpoint identifies a ready relay pod and the port it listens on.
type RelayEndpoint struct {
	Pod  string
	Port int
}

// podStartFailures are container waiting reasons that will not resolve on their own.
var podStartFailures = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CrashLoopBackOff":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// relayPodName builds a unique DNS-1123 pod name from the target's display name.
func relayPodName(t target.Target) string {
	base := invalidNameChars.ReplaceAllString(strings.ToLower(t.DisplayName), "-")
	base = strings.Trim(base, "-")
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if base == "" {
		return relayName + "-" + suffix
	}
	return relayName + "-" + base + "-" + suffix
}

// LocalOwner identifies this user on this machine. Relay pods are stamped with it so that
// listing and pruning never touch relays started elsewhere in a shared namespace.
func LocalOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(host + "/" + strconv.Itoa(os.Getuid())))
	return hex.EncodeToString(sum[:])[:16]
}

func (h *Handle) managedSelector() string {
	return labels.SelectorFromSet(labels.Set{LabelManagedBy: managedByValue, LabelOwner: h.owner}).String()
}

// relayPod builds the relay pod for t. The relay listens on the target's port and
// forwards each connection to the target address.
func (h *Handle) relayPod(t target.Target) (*corev1.Pod, error) {
	cfg := h.relay
	port := int32(t.RemotePort)

	resources := corev1.ResourceRequirements{Requests: corev1.ResourceList{}, Limits: corev1.ResourceList{}}
	for _, q := range []struct {
		value string
		list  corev1.ResourceList
		name  corev1.ResourceName
	}{
		{cfg.CPURequest, resources.Requests, corev1.ResourceCPU},
		{cfg.MemoryRequest, resources.Requests, corev1.ResourceMemory},
		{cfg.MemoryLimit, resources.Limits, corev1.ResourceMemory},
	} {
		if q.value == "" {
			continue
		}
		parsed, err := resource.ParseQuantity(q.value)
		if err != nil {
			return nil, fmt.Errorf("invalid relay %s quantity %q: %w", q.name, q.value, err)
		}
		q.list[q.name] = parsed
	}

	podLabels := map[string]string{}
	for k, v := range cfg.PodLabels {
		podLabels[k] = v
	}
	podLabels[LabelManagedBy] = managedByValue
	podLabels[LabelName] = relayName
	podLabels[LabelSource] = invalidNameChars.ReplaceAllString(strings.ToLower(t.Source), "-")
	podLabels[LabelOwner] = h.owner

	deadline := int64(cfg.TTL.Seconds())
	var activeDeadline *int64
	if deadline > 0 {
		activeDeadline = &deadline
	}
	grace := int64(1)
	noToken := false
	noEscalation := false

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      relayPodName(t),
			Namespace: h.namespace,
			Labels:    podLabels,
			Annotations: map[string]string{
				AnnotationTarget:   t.ID,
				AnnotationEndpoint: t.Address(),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			ActiveDeadlineSeconds:         activeDeadline,
			TerminationGracePeriodSeconds: &grace,
			AutomountServiceAccountToken:  &noToken,
			ServiceAccountName:            cfg.ServiceAccount,
			Containers: []corev1.Container{{
				Name:  relayContainer,
				Image: cfg.Image,
				Args: []string{
					fmt.Sprintf("tcp-listen:%d,fork,reuseaddr", port),
					"tcp-connect:" + t.Address(),
				},
				Ports:     []corev1.ContainerPort{{Name: "relay", ContainerPort: port, Protocol: corev1.ProtocolTCP}},
				Resources: resources,
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(port)},
					},
					PeriodSeconds: 2,
				},
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: &noEscalation,
					Capabilities: &corev1.Capabilities{
						Drop: []corev1.Capability{"ALL"},
						Add:  []corev1.Capability{"NET_BIND_SERVICE"},
					},
				},
			}},
		},
	}, nil
}

// EnsureRelay creates a relay pod for t and waits until it is ready. A pod that fails to
// start or is not ready within the configured timeout is deleted and reported as a
// ConnectError.
func (h *Handle) EnsureRelay(ctx context.Context, t target.Target) (RelayEndpoint, error) {
	if err := t.Validate(); err != nil {
		return RelayEndpoint{}, tunnelerr.Connect("create relay", err)
	}
	pod, err := h.relayPod(t)
	if err != nil {
		return RelayEndpoint{}, tunnelerr.Connect("create relay", err)
	}
	subsystem := "Relay-" + t.ID

	created, err := h.client.CoreV1().Pods(h.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return RelayEndpoint{}, classifyAPIError("create relay pod", err)
	}
	logging.Info(subsystem, "Created relay pod %s/%s forwarding to %s", h.namespace, created.Name, t.Address())

	if err := h.waitForRelay(ctx, created.Name); err != nil {
		// the caller's context may be the reason we failed
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if delErr := h.DeleteRelay(cleanupCtx, created.Name); delErr != nil {
			logging.Warn(subsystem, "Failed to delete relay pod %s: %v", created.Name, delErr)
		}
		return RelayEndpoint{}, err
	}
	logging.Debug(subsystem, "Relay pod %s is ready", created.Name)
	return RelayEndpoint{Pod: created.Name, Port: t.RemotePort}, nil
}

func (h *Handle) readyTimeout() time.Duration {
	if h.relay.ReadyTimeout <= 0 {
		return 90 * time.Second
	}
	return h.relay.ReadyTimeout
}

func (h *Handle) waitForRelay(ctx context.Context, name string) error {
	timeout := h.readyTimeout()
	var lastPhase corev1.PodPhase
	err := wait.PollUntilContextTimeout(ctx, h.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := h.client.CoreV1().Pods(h.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, tunnelerr.Connect("wait for relay", fmt.Errorf("relay pod %s disappeared", name))
			}
			return false, classifyAPIError("wait for relay", err)
		}
		lastPhase = pod.Status.Phase
		if err := podFailure(pod); err != nil {
			return false, tunnelerr.Connect("wait for relay", err)
		}
		return isPodReady(pod), nil
	})
	if err == nil {
		return nil
	}
	var te *tunnelerr.Error
	if errors.As(err, &te) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return tunnelerr.Connect("wait for relay", fmt.Errorf("relay pod %s not ready within %s (phase %q): %w", name, timeout, lastPhase, err))
}

// podFailure reports a pod that will never become ready.
func podFailure(pod *corev1.Pod) error {
	switch pod.Status.Phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		reason := pod.Status.Reason
		if reason == "" {
			reason = pod.Status.Message
		}
		return fmt.Errorf("relay pod %s terminated (phase %s): %s", pod.Name, pod.Status.Phase, reason)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && podStartFailures[w.Reason] {
			return fmt.Errorf("relay pod %s cannot start: %s: %s", pod.Name, w.Reason, w.Message)
		}
	}
	return nil
}

// isPodReady reports whether the pod is running, has the Ready condition and all its
// containers report ready.
func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			ready = true
			break
		}
	}
	if !ready {
		return false
	}
	if len(pod.Status.ContainerStatuses) == 0 && len(pod.Spec.Containers) > 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

// RelayExists reports whether the relay pod is still present and not terminating. The
// supervisor uses it to tell a relay that went away from a dropped connection.
func (h *Handle) RelayExists(ctx context.Context, name string) (bool, error) {
	pod, err := h.client.CoreV1().Pods(h.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, classifyAPIError("check relay", err)
	}
	if pod.DeletionTimestamp != nil || podFailure(pod) != nil {
		return false, nil
	}
	return true, nil
}

// DeleteRelay deletes a relay pod. A pod that is already gone is not an error.
func (h *Handle) DeleteRelay(ctx context.Context, name string) error {
	grace := int64(0)
	err := h.client.CoreV1().Pods(h.namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyAPIError("delete relay pod", err)
	}
	return nil
}

// ListRelays returns the names of this owner's relay pods in the namespace.
func (h *Handle) ListRelays(ctx context.Context) ([]string, error) {
	pods, err := h.listRelayPods(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pods))
	for _, p := range pods {
		names = append(names, p.Name)
	}
	return names, nil
}

func (h *Handle) listRelayPods(ctx context.Context) ([]corev1.Pod, error) {
	pods, err := h.client.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{LabelSelector: h.managedSelector()})
	if err != nil {
		return nil, classifyAPIError("list relay pods", err)
	}
	return pods.Items, nil
}

// PruneRelays deletes this owner's relay pods not listed in keep and returns the names
// deleted. Pods younger than the ready timeout may still belong to a session that is
// connecting and are left alone.
func (h *Handle) PruneRelays(ctx context.Context, keep map[string]bool) ([]string, error) {
	pods, err := h.listRelayPods(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := h.now().Add(-h.readyTimeout())
	var (
		deleted []string
		result  *multierror.Error
	)
	for _, pod := range pods {
		name := pod.Name
		if keep[name] {
			continue
		}
		if pod.CreationTimestamp.Time.After(cutoff) {
			logging.Debug("Cluster", "Skipping relay pod %s/%s, created %s ago", h.namespace, name, h.now().Sub(pod.CreationTimestamp.Time).Round(time.Second))
			continue
		}
		if err := h.DeleteRelay(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("pod %s: %w", name, err))
			continue
		}
		logging.Info("Cluster", "Deleted relay pod %s/%s", h.namespace, name)
		deleted = append(deleted, name)
	}
	return deleted, result.ErrorOrNil()
}

// Dialer returns a relay dialer bound to the pod's portforward subresource.
func (h *Handle) Dialer(pod string) (portforwarding.Dialer, error) {
	u, _, err := rest.DefaultServerUrlFor(h.restConfig)
	if err != nil {
		return nil, tunnelerr.Connect("build portforward url", err)
	}
	u.Path = path.Join("/", u.Path, "api", "v1", "namespaces", h.namespace, "pods", pod, "portforward")
	return portforwarding.NewSPDYDialer(h.restConfig, u), nil
}

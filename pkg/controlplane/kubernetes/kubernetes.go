// Package kubernetes is the reference control-plane backend: it drives the
// target cluster through the Kubernetes API. Pods are the entities, pod
// deletion is the kill primitive and deny-all NetworkPolicies provide
// network isolation.
package kubernetes

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/chaoskit/resilience-harness/pkg/controlplane"
	"github.com/chaoskit/resilience-harness/pkg/log"
)

// Client implements controlplane.Client on top of a Kubernetes clientset
type Client struct {
	kube kubernetes.Interface
	// RoleLabel is the pod label carrying the entity role ("leader", ...)
	RoleLabel string
	// ForceDelete kills pods with grace period zero
	ForceDelete bool
}

// New wraps an existing clientset
func New(kube kubernetes.Interface, roleLabel string, forceDelete bool) *Client {
	return &Client{kube: kube, RoleLabel: roleLabel, ForceDelete: forceDelete}
}

// NewFromKubeConfig builds the clientset from the given kubeconfig path,
// falling back to in-cluster config when the path is empty
func NewFromKubeConfig(kubeconfig, roleLabel string, forceDelete bool) (*Client, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, "unable to load kubeconfig")
		}
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create kubernetes clientset")
	}
	return New(clientset, roleLabel, forceDelete), nil
}

func (c *Client) SelectEntities(ctx context.Context, selector controlplane.Selector) ([]controlplane.EntityRef, error) {
	podList, err := c.kube.CoreV1().Pods(selector.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.LabelSelector})
	if err != nil {
		return nil, classify(errors.Wrapf(err, "unable to list pods for selector '%s'", selector.LabelSelector))
	}

	refs := make([]controlplane.EntityRef, 0, len(podList.Items))
	for _, pod := range podList.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		role := pod.Labels[c.RoleLabel]
		if selector.Role != "" && role != selector.Role {
			continue
		}
		refs = append(refs, controlplane.EntityRef{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			Role:      role,
			Labels:    pod.Labels,
		})
	}
	return refs, nil
}

func (c *Client) DeleteEntity(ctx context.Context, ref controlplane.EntityRef) error {
	opts := metav1.DeleteOptions{}
	if c.ForceDelete {
		gracePeriod := int64(0)
		opts.GracePeriodSeconds = &gracePeriod
	}
	if err := c.kube.CoreV1().Pods(ref.Namespace).Delete(ctx, ref.Name, opts); err != nil {
		if apierrors.IsNotFound(err) {
			// already gone, the fault is effectively injected
			log.Warnf("[ControlPlane]: pod %v vanished before deletion", ref.Name)
			return nil
		}
		return classify(errors.Wrapf(err, "unable to delete pod '%s'", ref.Name))
	}
	return nil
}

func (c *Client) IsolateNetwork(ctx context.Context, selector controlplane.Selector, duration time.Duration) error {
	podSelector, err := metav1.ParseToLabelSelector(selector.LabelSelector)
	if err != nil {
		return errors.Wrapf(err, "invalid label selector '%s'", selector.LabelSelector)
	}

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      policyName(selector),
			Namespace: selector.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "resilience-harness"},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: *podSelector,
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			// no ingress/egress rules: deny all traffic for the selection
		},
	}

	if _, err := c.kube.NetworkingV1().NetworkPolicies(selector.Namespace).Create(ctx, policy, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return classify(errors.Wrapf(err, "unable to apply isolation policy '%s'", policy.Name))
	}
	log.InfoWithValues("[ControlPlane]: Network isolation applied", map[string]interface{}{
		"Policy":   policy.Name,
		"Selector": selector.LabelSelector,
		"Duration": duration,
	})
	return nil
}

func (c *Client) RemoveIsolation(ctx context.Context, selector controlplane.Selector) error {
	name := policyName(selector)
	err := c.kube.NetworkingV1().NetworkPolicies(selector.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify(errors.Wrapf(err, "unable to remove isolation policy '%s'", name))
	}
	return nil
}

func (c *Client) ReadMetric(ctx context.Context, name string, selector controlplane.Selector) (float64, error) {
	switch name {
	case controlplane.MetricReadyReplicas, controlplane.MetricDesiredReplicas:
		return c.replicaMetric(ctx, name, selector)
	default:
		return 0, errors.Errorf("unknown metric '%s'", name)
	}
}

// replicaMetric sums the replica counts of every deployment and statefulset
// matching the selector, covering both the application tier and the
// leader-elected stores
func (c *Client) replicaMetric(ctx context.Context, name string, selector controlplane.Selector) (float64, error) {
	opts := metav1.ListOptions{LabelSelector: selector.LabelSelector}
	var total float64

	deployments, err := c.kube.AppsV1().Deployments(selector.Namespace).List(ctx, opts)
	if err != nil {
		return 0, classify(errors.Wrap(err, "unable to list deployments"))
	}
	for _, d := range deployments.Items {
		if name == controlplane.MetricReadyReplicas {
			total += float64(d.Status.ReadyReplicas)
		} else if d.Spec.Replicas != nil {
			total += float64(*d.Spec.Replicas)
		}
	}

	statefulsets, err := c.kube.AppsV1().StatefulSets(selector.Namespace).List(ctx, opts)
	if err != nil {
		return 0, classify(errors.Wrap(err, "unable to list statefulsets"))
	}
	for _, s := range statefulsets.Items {
		if name == controlplane.MetricReadyReplicas {
			total += float64(s.Status.ReadyReplicas)
		} else if s.Spec.Replicas != nil {
			total += float64(*s.Spec.Replicas)
		}
	}

	return total, nil
}

// classify marks apiserver flakes as transient so the retrying decorator
// backs off instead of failing the scenario outright
func classify(err error) error {
	cause := errors.Cause(err)
	if apierrors.IsServerTimeout(cause) || apierrors.IsTimeout(cause) ||
		apierrors.IsTooManyRequests(cause) || apierrors.IsServiceUnavailable(cause) ||
		apierrors.IsInternalError(cause) {
		return controlplane.MarkTransient(err)
	}
	return err
}

func policyName(selector controlplane.Selector) string {
	h := fnv.New32a()
	h.Write([]byte(selector.Namespace + "/" + selector.LabelSelector))
	return fmt.Sprintf("harness-isolate-%x", h.Sum32())
}

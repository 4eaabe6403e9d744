/*
Copyright 2025 GuardAnt Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package probes

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// KubeClient is the slice of client-go the probe needs.
type KubeClient interface {
	ListPods(ctx context.Context, namespace, labelSelector string) ([]corev1.Pod, error)
}

type clientsetKube struct {
	clientset kubernetes.Interface
}

func (c *clientsetKube) ListPods(ctx context.Context, namespace, labelSelector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// NewKubeClient builds a client from in-cluster config, falling back
// to the given kubeconfig path. Returns nil when neither is available;
// the probe then reports unknown.
func NewKubeClient(kubeconfigPath string) KubeClient {
	cfg, err := rest.InClusterConfig()
	if err != nil && kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if err != nil || cfg == nil {
		return nil
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil
	}
	return &clientsetKube{clientset: clientset}
}

// KubernetesProbe counts running pods matching the configured selector
// against expectedRunning.
type KubernetesProbe struct {
	client KubeClient
}

// NewKubernetesProbe builds a kubernetes probe; client may be nil when
// no cluster access is configured.
func NewKubernetesProbe(client KubeClient) *KubernetesProbe {
	return &KubernetesProbe{client: client}
}

// Probe lists pods in the configured namespace and compares running
// count with the expectation.
func (p *KubernetesProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Container
	if cfg == nil || cfg.ExpectedRunning <= 0 {
		return nil, types.NewError(types.KindValidation, "kubernetes probe without container config", nil)
	}
	if p.client == nil {
		return result(desc, types.StatusUnknown, "no cluster access configured", 0), nil
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	listCtx, cancel := context.WithTimeout(ctx, deadlineTimeout(ctx, desc))
	defer cancel()

	start := time.Now()
	pods, err := p.client.ListPods(listCtx, namespace, cfg.LabelSelector)
	elapsed := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.KindUpstream, "pod list failed in "+namespace, err)
	}

	running := 0
	for _, pod := range pods {
		if pod.Status.Phase == corev1.PodRunning && podContainersReady(pod, cfg.ContainerNames) {
			running++
		}
	}
	msg := fmt.Sprintf("%d/%d pods running in %s", running, cfg.ExpectedRunning, namespace)
	switch {
	case running >= cfg.ExpectedRunning:
		return result(desc, types.StatusUp, msg, elapsed), nil
	case running > 0:
		return result(desc, types.StatusDegraded, msg, elapsed), nil
	default:
		return result(desc, types.StatusDown, msg, elapsed), nil
	}
}

// podContainersReady requires the named containers (all, when the list
// is empty) to be ready.
func podContainersReady(pod corev1.Pod, names []string) bool {
	wanted := func(name string) bool {
		if len(names) == 0 {
			return true
		}
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if wanted(cs.Name) && !cs.Ready {
			return false
		}
	}
	return true
}

package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/sirupsen/logrus"

	"github.com/shipyard/bay/internal/errs"
	"github.com/shipyard/bay/internal/idgen"
)

// KubernetesDriver runs Ships as Pods, with a PersistentVolumeClaim per Ship
// for the same durable-data guarantee Docker gets from its per-Ship host
// data directory.
//
// Grounded on the teacher's KubernetesContainerRuntime
// (cmd/docker-mcp/internal/gateway/runtime/kubernetes.go) for the
// in-cluster/kubeconfig auto-detection (getKubernetesConfig) and
// clientset-from-rest.Config wiring. The per-Ship PVC is a genuine addition
// beyond the teacher: its MCP-server Pods are stateless sidecars with no
// durable-data concept, whereas Bay's Ships must survive a stop/restart
// cycle with their filesystem intact.
type KubernetesDriver struct {
	clientset    kubernetes.Interface
	namespace    string
	pullPolicy   corev1.PullPolicy
	storageClass string
	log          *logrus.Entry
}

// KubernetesConfig holds the Kubernetes-specific driver settings. PVCSize
// is carried here but not read by the driver: a Ship's PVC request is its
// spec's Disk size, or 1Gi when that is empty.
type KubernetesConfig struct {
	Namespace    string
	KubeconfigPath string
	PullPolicy   string
	StorageClass string
	PVCSize      string
}

func NewKubernetesDriver(cfg KubernetesConfig, log *logrus.Entry) (*KubernetesDriver, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	restConfig, err := kubernetesConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendUnreachable, "load kubernetes config", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendUnreachable, "create kubernetes clientset", err)
	}

	pullPolicy := corev1.PullIfNotPresent
	switch cfg.PullPolicy {
	case "Always":
		pullPolicy = corev1.PullAlways
	case "Never":
		pullPolicy = corev1.PullNever
	}

	return &KubernetesDriver{
		clientset:    clientset,
		namespace:    namespace,
		pullPolicy:   pullPolicy,
		storageClass: cfg.StorageClass,
		log:          log,
	}, nil
}

// kubernetesConfig mirrors the teacher's getKubernetesConfig: in-cluster
// first, kubeconfig fallback.
func kubernetesConfig(kubeconfigPath string) (*rest.Config, error) {
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	path := kubeconfigPath
	if path == "" {
		if home := homedir.HomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", path)
}

func (k *KubernetesDriver) Name() string { return "kubernetes" }

func podName(shipID string) string { return "bay-ship-" + shipID }
func pvcName(shipID string) string { return "bay-data-" + shipID }

func (k *KubernetesDriver) Create(ctx context.Context, shipID string, spec Spec) (Info, error) {
	mem, err := ParseKubernetesMemory(spec.Memory)
	if err != nil {
		return Info{}, err
	}

	if err := k.ensurePVC(ctx, shipID, spec.Disk); err != nil {
		return Info{}, err
	}

	resources := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if spec.CPUs > 0 {
		q := resource.MustParse(fmt.Sprintf("%g", spec.CPUs))
		resources.Limits[corev1.ResourceCPU] = q
		resources.Requests[corev1.ResourceCPU] = q
	}
	if mem != "" {
		q, err := resource.ParseQuantity(mem)
		if err != nil {
			return Info{}, errs.Wrap(errs.KindInvalidRequest, "parse memory quantity", err)
		}
		resources.Limits[corev1.ResourceMemory] = q
		resources.Requests[corev1.ResourceMemory] = q
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for key, val := range spec.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: val})
	}

	labels := idgen.ShipLabels(shipID)
	for k2, v := range spec.Labels {
		labels[k2] = v
	}

	var ports []corev1.ContainerPort
	if spec.Port > 0 {
		ports = []corev1.ContainerPort{{ContainerPort: int32(spec.Port)}}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(shipID),
			Namespace: k.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:            "ship",
					Image:           spec.Image,
					Command:         spec.Command,
					Env:             env,
					Ports:           ports,
					Resources:       resources,
					ImagePullPolicy: k.pullPolicy,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "data", MountPath: homeMountPath, SubPath: "home"},
						{Name: "data", MountPath: metadataMountPath, SubPath: "metadata"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvcName(shipID)},
					},
				},
			},
		},
	}

	created, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "create pod", err)
	}

	// The Kubernetes endpoint is the Pod IP (in-cluster) plus service
	// port — there is no per-Ship Service object, so Bay dials the Pod
	// directly. The API only assigns an IP once the pod is scheduled and
	// its network sandbox is up, which is the driver's own "runtime
	// readiness" (distinct from the in-Ship HTTP health check).
	podIP, err := k.awaitPodIP(ctx, created.Name)
	if err != nil {
		return Info{}, err
	}

	endpoint := ""
	if spec.Port > 0 {
		endpoint = fmt.Sprintf("%s:%d", podIP, spec.Port)
	}
	return Info{ContainerID: created.Name, Endpoint: endpoint, Running: true}, nil
}

// awaitPodIP polls the pod until the API server reports a PodIP or ctx is
// done. This is runtime readiness only: the pod's network namespace exists
// and is addressable, not that the Ship's HTTP service inside it answers
// (that's the separate readiness probe the caller runs afterward).
func (k *KubernetesDriver) awaitPodIP(ctx context.Context, name string) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", errs.Wrap(errs.KindBackendUnreachable, "get pod", err)
		}
		if pod.Status.PodIP != "" {
			return pod.Status.PodIP, nil
		}
		if pod.Status.Phase == corev1.PodFailed {
			return "", errs.New(errs.KindBackendUnreachable, fmt.Sprintf("pod %s failed before acquiring an IP", name))
		}
		select {
		case <-ctx.Done():
			return "", errs.Wrap(errs.KindBackendTimeout, "timed out waiting for pod IP", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (k *KubernetesDriver) ensurePVC(ctx context.Context, shipID, size string) error {
	_, err := k.clientset.CoreV1().PersistentVolumeClaims(k.namespace).Get(ctx, pvcName(shipID), metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return errs.Wrap(errs.KindBackendUnreachable, "inspect pvc", err)
	}

	if size == "" {
		size = "1Gi"
	}
	quantity, err := resource.ParseQuantity(size)
	if err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "parse disk size", err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pvcName(shipID),
			Namespace: k.namespace,
			Labels:    map[string]string{"bay.shipyard.dev/ship-id": shipID},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: quantity},
			},
		},
	}
	if k.storageClass != "" {
		pvc.Spec.StorageClassName = &k.storageClass
	}

	_, err = k.clientset.CoreV1().PersistentVolumeClaims(k.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil {
		return errs.Wrap(errs.KindQuotaExceeded, "create pvc", err)
	}
	return nil
}

func (k *KubernetesDriver) Inspect(ctx context.Context, shipID string) (Info, error) {
	pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, podName(shipID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Info{}, errs.NotFound("ship pod", shipID)
		}
		return Info{}, errs.Wrap(errs.KindBackendUnreachable, "get pod", err)
	}
	return Info{ContainerID: pod.Name, Running: pod.Status.Phase == corev1.PodRunning}, nil
}

func (k *KubernetesDriver) Stop(ctx context.Context, shipID string) error {
	err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, podName(shipID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Wrap(errs.KindBackendUnreachable, "delete pod", err)
	}
	return nil
}

func (k *KubernetesDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	_, err := k.clientset.CoreV1().PersistentVolumeClaims(k.namespace).Get(ctx, pvcName(shipID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindBackendUnreachable, "get pvc", err)
	}
	return true, nil
}

func (k *KubernetesDriver) DeleteVolume(ctx context.Context, shipID string) error {
	err := k.clientset.CoreV1().PersistentVolumeClaims(k.namespace).Delete(ctx, pvcName(shipID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Wrap(errs.KindBackendUnreachable, "delete pvc", err)
	}
	return nil
}

func (k *KubernetesDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tail > 0 {
		t := int64(tail)
		opts.TailLines = &t
	}
	req := k.clientset.CoreV1().Pods(k.namespace).GetLogs(podName(shipID), opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", errs.Wrap(errs.KindBackendUnreachable, "stream pod logs", err)
	}
	defer stream.Close()

	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return b.String(), nil
}

func (k *KubernetesDriver) Shutdown(ctx context.Context) error { return nil }

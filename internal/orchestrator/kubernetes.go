package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/config"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	engineContainer  = "engine"
	managedByLabel   = "app.kubernetes.io/managed-by"
	managedByValue   = "reconhub"
	gpuResource      = corev1.ResourceName("nvidia.com/gpu")
	defaultPollEvery = 2 * time.Second
)

// Kubernetes runs each engine as a batch/v1 Job with a single pod.
// Host directories are mounted with hostPath volumes, so the service and the
// engine pods must share a node or a node-local volume.
type Kubernetes struct {
	clientset kubernetes.Interface
	namespace string
	pollEvery time.Duration
	logger    *slog.Logger
}

// NewKubernetes builds a client from cfg.Kubeconfig, the in-cluster service
// account, or ~/.kube/config, in that order.
func NewKubernetes(cfg config.RuntimeConfig, logger *slog.Logger) (*Kubernetes, error) {
	restCfg, err := kubeRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewKubernetesWithClient(cs, cfg.Namespace, logger), nil
}

// NewKubernetesWithClient wraps an existing clientset.
func NewKubernetesWithClient(cs kubernetes.Interface, namespace string, logger *slog.Logger) *Kubernetes {
	if namespace == "" {
		namespace = "default"
	}
	return &Kubernetes{clientset: cs, namespace: namespace, pollEvery: defaultPollEvery, logger: logger}
}

// SetPollInterval changes how often job and pod state is polled.
func (k *Kubernetes) SetPollInterval(d time.Duration) {
	k.pollEvery = d
}

func kubeRESTConfig(path string) (*rest.Config, error) {
	if path != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
		}
		return cfg, nil
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locate kubeconfig: %w", err)
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return cfg, nil
}

func (k *Kubernetes) Name() string { return "kubernetes" }

func (k *Kubernetes) Ready(ctx context.Context) error {
	_, err := k.clientset.CoreV1().Namespaces().Get(ctx, k.namespace, metav1.GetOptions{})
	return err
}

func (k *Kubernetes) Close() error { return nil }

func (k *Kubernetes) Run(ctx context.Context, spec Spec) (Process, error) {
	name := JobName(spec.Name)
	job := k.buildJob(name, spec)

	created, err := k.clientset.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("create kubernetes job: %w", err)
	}

	k.logger.Info("kubernetes job created", "job", created.Name, "namespace", k.namespace, "image", spec.Image, "gpu", spec.GPU)
	return &kubeProcess{k: k, name: created.Name}, nil
}

func (k *Kubernetes) buildJob(name string, spec Spec) *batchv1.Job {
	labels := map[string]string{managedByLabel: managedByValue}
	for key, v := range spec.Labels {
		labels[key] = KubeName(v)
	}

	var (
		volumes []corev1.Volume
		mounts  []corev1.VolumeMount
	)
	hostPathType := corev1.HostPathDirectoryOrCreate
	for i, m := range spec.Mounts {
		vol := fmt.Sprintf("vol-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name: vol,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: m.Source, Type: &hostPathType},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: vol, MountPath: m.Target, ReadOnly: m.ReadOnly})
	}

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	c := corev1.Container{
		Name:         engineContainer,
		Image:        spec.Image,
		Command:      spec.Command,
		Env:          env,
		VolumeMounts: mounts,
	}
	if spec.GPU {
		c.Resources.Limits = corev1.ResourceList{gpuResource: resource.MustParse("1")}
	}

	backoff := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{c},
					Volumes:       volumes,
				},
			},
		},
	}
}

type kubeProcess struct {
	k    *Kubernetes
	name string
}

func (p *kubeProcess) ID() string { return p.name }

// Logs waits for the job's pod to leave Pending, then follows its log.
func (p *kubeProcess) Logs(ctx context.Context) (io.ReadCloser, error) {
	pod, err := p.waitForPod(ctx)
	if err != nil {
		return nil, err
	}
	req := p.k.clientset.CoreV1().Pods(p.k.namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: engineContainer,
		Follow:    true,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream pod logs: %w", err)
	}
	return rc, nil
}

func (p *kubeProcess) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(p.k.pollEvery)
	defer ticker.Stop()
	for {
		pods, err := p.k.clientset.CoreV1().Pods(p.k.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + p.name,
		})
		if err != nil {
			return "", fmt.Errorf("list pods: %w", err)
		}
		for _, pod := range pods.Items {
			if pod.Status.Phase != corev1.PodPending && pod.Status.Phase != "" {
				return pod.Name, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *kubeProcess) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(p.k.pollEvery)
	defer ticker.Stop()
	for {
		job, err := p.k.clientset.BatchV1().Jobs(p.k.namespace).Get(ctx, p.name, metav1.GetOptions{})
		if err != nil {
			return -1, fmt.Errorf("get kubernetes job: %w", err)
		}
		if job.Status.Succeeded > 0 {
			return 0, nil
		}
		if job.Status.Failed > 0 {
			return p.exitCode(ctx), nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// exitCode reads the terminated engine container's exit code, or 1 when the
// pod is already gone.
func (p *kubeProcess) exitCode(ctx context.Context) int {
	pods, err := p.k.clientset.CoreV1().Pods(p.k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + p.name,
	})
	if err != nil {
		return 1
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == engineContainer && cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
				return int(cs.State.Terminated.ExitCode)
			}
		}
	}
	return 1
}

func (p *kubeProcess) Stop(ctx context.Context, grace time.Duration) error {
	return p.delete(ctx, int64(grace.Seconds()))
}

func (p *kubeProcess) Remove(ctx context.Context) error {
	return p.delete(ctx, 0)
}

func (p *kubeProcess) delete(ctx context.Context, graceSeconds int64) error {
	policy := metav1.DeletePropagationBackground
	err := p.k.clientset.BatchV1().Jobs(p.k.namespace).Delete(ctx, p.name, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSeconds,
		PropagationPolicy:  &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete kubernetes job: %w", err)
	}
	return nil
}

// JobName turns a container name into a batch Job name. Names that are
// already valid labels are kept. Others are folded with KubeName and get a
// short hash of the original, so distinct names that fold alike stay distinct.
func JobName(s string) string {
	folded := KubeName(s)
	if folded == s {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	suffix := hex.EncodeToString(sum[:4])
	if len(folded) > 63-len(suffix)-1 {
		folded = strings.TrimRight(folded[:63-len(suffix)-1], "-")
	}
	return folded + "-" + suffix
}

// KubeName folds s into a DNS-1123 label: lowercase alphanumerics and '-',
// at most 63 characters, starting and ending with an alphanumeric.
func KubeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return "x"
	}
	return out
}

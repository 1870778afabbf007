package driver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shipyard/bay/internal/errs"
)

// ParseDockerMemory validates a Docker/Podman memory string ("512m",
// "1g") and returns it unchanged; DockerDriver.Create converts it to a byte
// count itself with parseByteSize. Validation here only rejects the
// Kubernetes-style binary suffixes early, with a clear request error.
func ParseDockerMemory(mem string) (string, error) {
	if mem == "" {
		return "", nil
	}
	lower := strings.ToLower(mem)
	if strings.HasSuffix(lower, "mi") || strings.HasSuffix(lower, "gi") || strings.HasSuffix(lower, "ki") {
		return "", errs.New(errs.KindInvalidRequest, fmt.Sprintf("memory %q uses a Kubernetes-style suffix (Mi/Gi); Docker and Podman require m/g", mem))
	}
	if !strings.HasSuffix(lower, "m") && !strings.HasSuffix(lower, "g") && !strings.HasSuffix(lower, "b") && !strings.HasSuffix(lower, "k") {
		if _, err := strconv.ParseInt(mem, 10, 64); err != nil {
			return "", errs.New(errs.KindInvalidRequest, fmt.Sprintf("memory %q is not a valid size (expected a suffix of b/k/m/g)", mem))
		}
	}
	return mem, nil
}

// kubernetesBinarySuffixes and kubernetesDecimalSuffixes are Kubernetes
// resource.Quantity's accepted suffixes. Case matters: "Mi"/"M" are valid
// (mebi/mega), but lowercase "m" means milli — a quantity of "512m" is
// 0.512 bytes, not 512 megabytes.
var kubernetesBinarySuffixes = []string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei"}
var kubernetesDecimalSuffixes = []string{"k", "M", "G", "T", "P", "E"}

// ParseKubernetesMemory validates a memory string for use as a Kubernetes
// resource quantity and returns it unchanged. The only suffix rejected is
// the milli ("m") trap: a bare "512m" means 0.512 bytes to the Kubernetes
// API, almost never what a caller setting a memory limit intended, so Bay
// refuses it outright rather than silently creating an under-provisioned
// Pod. Binary suffixes (Ki/Mi/Gi/...), decimal suffixes (k/M/G/...), and
// plain byte counts are all accepted as-is.
func ParseKubernetesMemory(mem string) (string, error) {
	if mem == "" {
		return "", nil
	}
	for _, suf := range kubernetesBinarySuffixes {
		if strings.HasSuffix(mem, suf) {
			return mem, nil
		}
	}
	for _, suf := range kubernetesDecimalSuffixes {
		if strings.HasSuffix(mem, suf) {
			return mem, nil
		}
	}
	if strings.HasSuffix(mem, "m") {
		return "", errs.New(errs.KindInvalidRequest, fmt.Sprintf("memory %q uses the kubernetes milli suffix (m = 1/1000 byte); use a plain byte count or a Ki/Mi/Gi suffix instead", mem))
	}
	if _, err := strconv.ParseInt(mem, 10, 64); err != nil {
		return "", errs.New(errs.KindInvalidRequest, fmt.Sprintf("memory %q is not a valid kubernetes quantity (expected a byte count or a Ki/Mi/Gi/k/M/G suffix)", mem))
	}
	return mem, nil
}

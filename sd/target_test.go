package sd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInferServiceName(t *testing.T) {
	testcases := []struct {
		target   DiscoveryTarget
		expected string
	}{
		{
			DiscoveryTarget{labelServiceNameK8s: "annotated"},
			"annotated",
		},
		{
			DiscoveryTarget{
				"__meta_kubernetes_namespace":          "ns",
				"__meta_kubernetes_pod_container_name": "app",
			},
			"ebpf/ns/app",
		},
		{
			DiscoveryTarget{"__meta_docker_container_name": "mycontainer"},
			"mycontainer",
		},
		{
			DiscoveryTarget{"__meta_dockerswarm_service_name": "swarm-svc"},
			"swarm-svc",
		},
		{
			DiscoveryTarget{},
			"unspecified",
		},
	}
	for _, tc := range testcases {
		require.Equal(t, tc.expected, inferServiceName(tc.target))
	}
}

func TestTargetExplicitServiceNameWins(t *testing.T) {
	target := NewTarget("", 0, DiscoveryTarget{
		"service_name":                         "explicit",
		"__meta_kubernetes_pod_container_name": "app",
		"__meta_kubernetes_namespace":          "ns",
	})
	require.Equal(t, "explicit", target.ServiceName())
}

func TestTargetDropsReservedLabelsKeepsOptions(t *testing.T) {
	target := NewTarget("cid", 239, DiscoveryTarget{
		"service_name":         "svc",
		"__meta_docker_prefix": "dropped",
		OptionCollectKernel:    "true",
	})
	_, ls := target.Labels()
	m := ls.Map()
	require.NotContains(t, m, "__meta_docker_prefix")
	require.Equal(t, "true", m[OptionCollectKernel])
	require.Equal(t, "cid", m["__container_id__"])
	require.Equal(t, "239", m["__process_pid__"])
	require.Equal(t, "process_cpu", m["__name__"])

	v, ok := target.GetFlag(OptionCollectKernel)
	require.True(t, ok)
	require.True(t, v)
}

func TestContainerIDFromCGroup(t *testing.T) {
	testcases := []struct {
		line     string
		expected string
	}{
		{
			"12:cpuset:/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod471203d1_984f_477e_9c35_db96487ffe5e.slice/cri-containerd-a534eb629135e43beb13213976e37bb2ab95cba4c0d1d0b4e27c6bc4d8091b83.scope",
			"a534eb629135e43beb13213976e37bb2ab95cba4c0d1d0b4e27c6bc4d8091b83",
		},
		{
			"11:devices:/kubepods/besteffort/pod85adbef3-622f-4ef2-8f60-a8bdf3eb6c72/7edda1de1e0d1d366351e478359cf5fa16bb8ab53063a99bb119e56971bfb7e2",
			"7edda1de1e0d1d366351e478359cf5fa16bb8ab53063a99bb119e56971bfb7e2",
		},
	}
	for _, tc := range testcases {
		require.Equal(t, tc.expected, getContainerIDFromCGroup([]byte(tc.line)))
	}
}

func TestContainerIDFromK8S(t *testing.T) {
	require.Equal(t, containerID("a534eb629135e43beb13213976e37bb2ab95cba4c0d1d0b4e27c6bc4d8091b83"),
		getContainerIDFromK8S("containerd://a534eb629135e43beb13213976e37bb2ab95cba4c0d1d0b4e27c6bc4d8091b83"))
	require.Equal(t, containerID(""), getContainerIDFromK8S("not-a-container-id"))
}

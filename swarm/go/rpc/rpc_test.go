package rpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/swarm/go/types"
)

func TestParseBenchmarkBody_Envelope(t *testing.T) {
	body := `{"hashcat_benchmarks": [
		{"hash_type": 1000, "device": 1, "hash_speed": 2500.5, "runtime": 120}
	]}`
	got, err := ParseBenchmarkBody(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []types.HashcatBenchmark{
		{HashType: 1000, Device: 1, HashSpeed: 2500.5, Runtime: 120},
	}, got)
}

func TestParseBenchmarkBody_BareArray(t *testing.T) {
	body := `[{"hash_type": 22000, "device": 2, "hash_speed": 99, "runtime": 60}]`
	got, err := ParseBenchmarkBody(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []types.HashcatBenchmark{
		{HashType: 22000, Device: 2, HashSpeed: 99, Runtime: 60},
	}, got)
}

func TestParseBenchmarkBody_StringEncodedNumbers(t *testing.T) {
	// Some agent versions quote every numeric field.
	body := `{"hashcat_benchmarks": [
		{"hash_type": "1000", "device": "1", "hash_speed": "2500.5", "runtime": "120"}
	]}`
	got, err := ParseBenchmarkBody(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []types.HashcatBenchmark{
		{HashType: 1000, Device: 1, HashSpeed: 2500.5, Runtime: 120},
	}, got)
}

func TestParseBenchmarkBody_Empty(t *testing.T) {
	got, err := ParseBenchmarkBody(strings.NewReader(`{"hashcat_benchmarks": []}`))
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = ParseBenchmarkBody(strings.NewReader(`[]`))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestParseBenchmarkBody_Malformed(t *testing.T) {
	for _, body := range []string{
		``,
		`not json`,
		`{"hashcat_benchmarks": "nope"}`,
		`{"other": true}`,
	} {
		_, err := ParseBenchmarkBody(strings.NewReader(body))
		require.True(t, cserr.IsKind(err, cserr.Validation), "body %q", body)
	}
}

func TestSubmitStatusRequest_ToStatus(t *testing.T) {
	req := SubmitStatusRequest{
		Session:      "hashcat",
		Status:       3,
		Progress:     []int64{250, 1000},
		RestorePoint: 42,
		DeviceStatuses: []types.DeviceStatus{
			{DeviceID: 1, DeviceName: "GPU0", Speed: 1000},
		},
	}
	st := req.ToStatus()
	require.Equal(t, [2]int64{250, 1000}, st.Progress)
	require.Equal(t, int64(42), st.RestorePoint)
	require.Equal(t, req.DeviceStatuses, st.DeviceStatuses)

	// Short or missing progress arrays zero-fill rather than fail.
	req.Progress = []int64{7}
	require.Equal(t, [2]int64{7, 0}, req.ToStatus().Progress)
	req.Progress = nil
	require.Equal(t, [2]int64{0, 0}, req.ToStatus().Progress)
}

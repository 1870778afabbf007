package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/bay/internal/errs"
)

func TestParseDockerMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "512m", want: "512m"},
		{in: "2g", want: "2g"},
		{in: "512M", want: "512M"},
		{in: "2G", want: "2G"},
		{in: "", want: ""},
		{in: "512mi", wantErr: true},
		{in: "2Gi", wantErr: true},
		{in: "1ki", wantErr: true},
	}

	for _, c := range cases {
		got, err := ParseDockerMemory(c.in)
		if c.wantErr {
			require.Error(t, err, "input %q", c.in)
			e, ok := errs.As(err)
			require.True(t, ok)
			assert.Equal(t, errs.KindInvalidRequest, e.Kind)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestParseKubernetesMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "512Mi", want: "512Mi"},
		{in: "2Gi", want: "2Gi"},
		{in: "1Ki", want: "1Ki"},
		{in: "", want: ""},
		{in: "512m", wantErr: true}, // 'm' means milli in k8s quantities, not mebibytes
		{in: "2g", wantErr: true},
		{in: "512M", want: "512M"},
	}

	for _, c := range cases {
		got, err := ParseKubernetesMemory(c.in)
		if c.wantErr {
			require.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got)
	}
}

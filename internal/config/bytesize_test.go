package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ByteSize
		wantErr  bool
	}{
		{"bytes", "1024", 1024, false},
		{"kibibytes", "5KiB", 5 * 1024, false},
		{"kilobytes", "5KB", 5 * 1000, false},
		{"gibibytes", "10GiB", 10 * 1024 * 1024 * 1024, false},
		{"gigabytes", "2GB", 2 * 1000 * 1000 * 1000, false},
		{"with space", "5 MiB", 5 * 1024 * 1024, false},
		{"lowercase", "5mib", 5 * 1024 * 1024, false},
		{"zero", "0", 0, false},
		{"invalid", "invalid", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("5MiB")))
	assert.Equal(t, ByteSize(5*1024*1024), b)
}

func TestByteSize_JSON(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		var b ByteSize
		require.NoError(t, json.Unmarshal([]byte(`"1GiB"`), &b))
		assert.Equal(t, ByteSize(1<<30), b)
	})

	t.Run("number", func(t *testing.T) {
		var b ByteSize
		require.NoError(t, json.Unmarshal([]byte(`2048`), &b))
		assert.Equal(t, ByteSize(2048), b)
	})

	t.Run("marshal", func(t *testing.T) {
		data, err := json.Marshal(ByteSize(10 << 30))
		require.NoError(t, err)
		assert.Equal(t, `"10 GiB"`, string(data))
	})
}

package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFinalize(t *testing.T) {
	t.Run("duration is always positive", func(t *testing.T) {
		// Even with a start time of "right now" the duration must not be zero.
		res := Finalize(&ExecutionResult{Success: true}, time.Now())
		assert.Greater(t, res.Duration, time.Duration(0))
	})

	t.Run("error text forces failure", func(t *testing.T) {
		res := Finalize(&ExecutionResult{
			Success:   true,
			Output:    "partial output",
			ErrorText: "Get-VM: not connected",
		}, time.Now().Add(-time.Second))

		assert.False(t, res.Success, "a result with error text can never be a success")
		assert.Equal(t, "partial output", res.Output)
	})

	t.Run("success without error text survives", func(t *testing.T) {
		res := Finalize(&ExecutionResult{Success: true, Output: "ok"}, time.Now().Add(-time.Millisecond))
		assert.True(t, res.Success)
	})
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{
		"Name":      "esx01.lab.local",
		"Connected": true,
		"NumCpu":    float64(32),
	}

	name, ok := rec.String("Name")
	assert.True(t, ok)
	assert.Equal(t, "esx01.lab.local", name)

	connected, ok := rec.Bool("Connected")
	assert.True(t, ok)
	assert.True(t, connected)

	cpus, ok := rec.Int("NumCpu")
	assert.True(t, ok)
	assert.Equal(t, 32, cpus)

	t.Run("absent key", func(t *testing.T) {
		_, ok := rec.String("Cluster")
		assert.False(t, ok)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, ok := rec.Int("Name")
		assert.False(t, ok)
		_, ok = rec.String("NumCpu")
		assert.False(t, ok)
	})
}

func TestDecodeObjects(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		recs, ok := DecodeObjects(`{"Name":"vc01","Version":"8.0.2"}`)
		assert.True(t, ok)
		assert.Len(t, recs, 1)
		name, _ := recs[0].String("Name")
		assert.Equal(t, "vc01", name)
	})

	t.Run("array", func(t *testing.T) {
		recs, ok := DecodeObjects(`[{"Name":"a"},{"Name":"b"}]`)
		assert.True(t, ok)
		assert.Len(t, recs, 2)
	})

	t.Run("plain text is not an error", func(t *testing.T) {
		recs, ok := DecodeObjects("PowerCLI 13.2 welcome banner")
		assert.False(t, ok)
		assert.Nil(t, recs)
	})
}

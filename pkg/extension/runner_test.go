package extension

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExtension(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

func TestRunnerValue(t *testing.T) {
	dir := t.TempDir()
	writeExtension(t, dir, "lookup", `echo "{\"value\": \"$1-$2\"}"`)

	r := NewRunner(dir, time.Second)
	res, err := r.Run(context.Background(), []string{"lookup", "a", "b"})
	require.NoError(t, err)
	assert.Nil(t, res.Fault)
	assert.Equal(t, "a-b", res.Value)
}

func TestRunnerFaults(t *testing.T) {
	dir := t.TempDir()
	writeExtension(t, dir, "declines", `echo '{"fault": {"code": "NotFound", "message": "no such subscriber"}}'`)
	writeExtension(t, dir, "crashes", `echo boom >&2; exit 3`)
	writeExtension(t, dir, "garbage", `echo not-json`)
	writeExtension(t, dir, "slow", `sleep 2; echo '{"value": 1}'`)

	r := NewRunner(dir, 200*time.Millisecond)
	tests := []struct {
		args []string
		code string
	}{
		{[]string{"declines"}, "ext.NotFound"},
		{[]string{"crashes"}, "ext.Error"},
		{[]string{"garbage"}, "ext.Error"},
		{[]string{"slow"}, "ext.Timeout"},
		{[]string{"../etc/passwd"}, "ext.Error"},
		{[]string{"missing"}, "ext.Error"},
		{nil, "ext.Error"},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+filepath.Base(firstOr(tt.args)), func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.args)
			require.NoError(t, err)
			require.NotNil(t, res.Fault)
			assert.Equal(t, tt.code, res.Fault.Code)
		})
	}
}

func TestRunnerSharesConcurrentCalls(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	writeExtension(t, dir, "counted", `echo x >> "`+counter+`"; sleep 0.3; echo '{"value": true}'`)

	r := NewRunner(dir, 2*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Run(context.Background(), []string{"counted"})
			assert.NoError(t, err)
			assert.Equal(t, true, res.Value)
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
}

func firstOr(args []string) string {
	if len(args) == 0 {
		return "none"
	}
	return args[0]
}

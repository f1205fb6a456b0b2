package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestEmitHumanCallsHumanFunc(t *testing.T) {
	a := &app{machine: false}
	called := false
	out := captureStdout(t, func() {
		require.NoError(t, a.emit(map[string]string{"ignored": "true"}, func() {
			called = true
			printf("human readable\n")
		}))
	})
	assert.True(t, called, "human callback must run when not in machine mode")
	assert.Equal(t, "human readable\n", out)
}

func TestEmitMachineWritesIndentedJSON(t *testing.T) {
	a := &app{machine: true}
	out := captureStdout(t, func() {
		require.NoError(t, a.emit(map[string]string{"volume": "db01"}, func() {
			t.Fatal("human callback must not run in machine mode")
		}))
	})

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "db01", decoded["volume"])
}

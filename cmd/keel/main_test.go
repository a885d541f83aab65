package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubServe(t *testing.T) *bool {
	t.Helper()
	orig := startServe
	t.Cleanup(func() { startServe = orig })
	called := false
	startServe = func() int {
		called = true
		return 0
	}
	return &called
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "help"}, &out, &errOut)
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), "keel")
	require.Contains(t, out.String(), "serve")
	require.Contains(t, out.String(), "migrate")
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "version"}, &out, &errOut)
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), version)
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "frobnicate"}, &out, &errOut)
	require.Equal(t, 2, code)
	require.Contains(t, errOut.String(), "Unknown command")
}

func TestRunDefaultsToServe(t *testing.T) {
	called := stubServe(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 0, Run([]string{"keel"}, &out, &errOut))
	require.True(t, *called)

	*called = false
	require.Equal(t, 0, Run([]string{"keel", "serve"}, &out, &errOut))
	require.True(t, *called)
}

func TestRunFlagArgFallsThroughToServe(t *testing.T) {
	called := stubServe(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 0, Run([]string{"keel", "--some-flag"}, &out, &errOut))
	require.True(t, *called)
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLogLevel("debug").String())
	require.Equal(t, "INFO", parseLogLevel("INFO").String())
	require.Equal(t, "WARN", parseLogLevel("warn").String())
	require.Equal(t, "ERROR", parseLogLevel("Error").String())
	require.Equal(t, "INFO", parseLogLevel("bogus").String())
}

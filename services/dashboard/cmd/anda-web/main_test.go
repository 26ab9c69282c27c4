package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"andaweb/services/dashboard"
)

var sampleRows = []dashboard.Row{
	{Kind: dashboard.KindPackage, Icon: "box", Name: "neko.rpm", Meta: []string{"1.2.0-1", "2.0 MB"}, DownloadURL: "https://cdn/neko.rpm"},
	{Kind: dashboard.KindImage, Icon: "docker", Name: "ghcr.io/terrapkg/neko", Meta: []string{"latest"}},
}

func TestWriteRows(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRows(&buf, "table", sampleRows))
		out := buf.String()
		assert.Contains(t, out, "KIND")
		assert.Contains(t, out, "neko.rpm")
		assert.Contains(t, out, "1.2.0-1 • 2.0 MB")
		assert.Contains(t, out, "ghcr.io/terrapkg/neko")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRows(&buf, "JSON", sampleRows))
		var got []dashboard.Row
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, sampleRows, got)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRows(&buf, "yaml", sampleRows))
		assert.Contains(t, buf.String(), "download_url: https://cdn/neko.rpm")
		var got []dashboard.Row
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, sampleRows, got)
	})

	t.Run("empty json is a list", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRows(&buf, "json", []dashboard.Row{}))
		assert.Equal(t, "[]\n", buf.String())
	})

	t.Run("unknown format", func(t *testing.T) {
		err := writeRows(&bytes.Buffer{}, "xml", sampleRows)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "xml")
	})
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "artifacts", "invalidate", "migrate"} {
		assert.True(t, names[want], want)
	}

	root.SetArgs([]string{"artifacts"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.Error(t, root.Execute())
}

func TestInvalidateArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no project", args: []string{"invalidate"}},
		{name: "project with all", args: []string{"invalidate", "--all", "abc123"}},
		{name: "two projects", args: []string{"invalidate", "abc123", "def456"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand()
			root.SetArgs(tt.args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			err := root.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "arg")
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	src := `
[zone]
size = "1MB"
strict_verification = true

[ic]
polymorphic_limit = 2

[sweeper]
interval = "250ms"

[eventlog]
database = "events.db"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(src), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, Size(1<<20), c.Zone.Size)
	require.True(t, c.Zone.StrictVerification)
	require.Equal(t, 2, c.IC.PolymorphicLimit)
	require.Equal(t, 250*time.Millisecond, c.Sweeper.Interval)
	require.Equal(t, 4096, c.JumpTable.Capacity, "missing keys keep their defaults")
	require.Equal(t, filepath.Join(c.Dir, "events.db"), c.Path(c.EventLog.Database))
	require.Equal(t, "1MiB", c.Zone.Size.String())
}

func TestNumericSize(t *testing.T) {
	c, err := Parse([]byte("[zone]\nsize = 131072\n"))
	require.NoError(t, err)
	require.Equal(t, Size(131072), c.Zone.Size)
}

func TestRejects(t *testing.T) {
	for name, src := range map[string]string{
		"schema bound":  "[ic]\npolymorphic_limit = 0\n",
		"too small":     "[zone]\nsize = \"4KB\"\n",
		"bad size":      "[zone]\nsize = \"lots\"\n",
		"unknown key":   "[zone]\ncolour = 3\n",
		"syntax":        "[zone\n",
		"bad threshold": "[zone]\ncompaction_threshold = 1.5\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			require.Error(t, err)
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("[jumptable]\ncapacity = 64\n"), 0o644))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.Equal(t, 64, c.JumpTable.Capacity)

	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(c.Dir)
	require.NoError(t, err)
	require.Equal(t, resolved, got)
}

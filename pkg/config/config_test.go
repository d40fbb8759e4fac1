package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FlattensNestedMaps(t *testing.T) {
	c := New(map[string]interface{}{
		"dbcache": map[string]interface{}{
			"enabled": true,
			"engine":  "redis",
		},
		"cdn.engine": "rackspace_cdn",
	})

	assert.True(t, c.GetBoolean("dbcache.enabled"))
	assert.Equal(t, "redis", c.GetString("dbcache.engine"))
	assert.Equal(t, "rackspace_cdn", c.GetString("cdn.engine"))
	assert.False(t, c.GetBoolean("missing"))
	assert.Equal(t, "", c.GetString("missing"))
	assert.Equal(t, 0, c.GetInteger("missing"))
	assert.Nil(t, c.GetArray("missing"))
}

func TestConversions(t *testing.T) {
	c := New(map[string]interface{}{
		"a.bool_string": "true",
		"a.bool_int":    1,
		"a.bad_bool":    "nope",
		"a.int_string":  " 42 ",
		"a.float":       3.0,
		"a.list":        []interface{}{"x.example.com", " ", "y.example.com"},
		"a.csv":         "x.example.com, y.example.com\nz.example.com",
		"a.int":         7,
	})

	assert.True(t, c.GetBoolean("a.bool_string"))
	assert.True(t, c.GetBoolean("a.bool_int"))
	assert.False(t, c.GetBoolean("a.bad_bool"))
	assert.Equal(t, 42, c.GetInteger("a.int_string"))
	assert.Equal(t, 3, c.GetInteger("a.float"))
	assert.Equal(t, "7", c.GetString("a.int"))
	assert.Equal(t, []string{"x.example.com", "y.example.com"}, c.GetArray("a.list"))
	assert.Equal(t, []string{"x.example.com", "y.example.com", "z.example.com"}, c.GetArray("a.csv"))
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flushd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster:
  messagebus:
    enabled: false
objectcache:
  enabled: true
  engine: apcu
`), 0o644))

	t.Setenv("CACHEFLUSH_CLUSTER_MESSAGEBUS_ENABLED", "true")

	c, err := Load(LoadOptions{File: path})
	require.NoError(t, err)

	assert.True(t, c.GetBoolean("cluster.messagebus.enabled"))
	assert.True(t, c.GetBoolean("objectcache.enabled"))
	assert.Equal(t, "apcu", c.GetString("objectcache.engine"))
	assert.Equal(t, path, c.Path())
}

func TestLoad_SearchPathsMergeCommonAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "common.yaml"), []byte("pgcache:\n  enabled: true\n  engine: file\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.yaml"), []byte("pgcache:\n  engine: redis\n"), 0o644))

	c, err := Load(LoadOptions{Env: "test", SearchPaths: []string{dir}})
	require.NoError(t, err)

	assert.True(t, c.GetBoolean("pgcache.enabled"))
	assert.Equal(t, "redis", c.GetString("pgcache.engine"))
	assert.Equal(t, filepath.Join(dir, "test.yaml"), c.Path())
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: [unterminated"), 0o644))

	_, err := Load(LoadOptions{File: path})
	assert.Error(t, err)
}

func TestSet_WinsOverEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flushd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cdn:\n  engine: bunnycdn\n"), 0o644))

	t.Setenv("CACHEFLUSH_CDN_ENGINE", "stackpath2")

	c, err := Load(LoadOptions{File: path})
	require.NoError(t, err)
	assert.Equal(t, "stackpath2", c.GetString("cdn.engine"))

	c.Set("cdn.engine", "rackspace_cdn")
	assert.Equal(t, "rackspace_cdn", c.GetString("cdn.engine"))
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	c := New(map[string]interface{}{"cdn": map[string]interface{}{"enabled": true}})
	c.SetPath(path)
	c.Set("cdn.rackspace_cdn.access_state", `{"access_token":"abc"}`)
	c.Set("browsercache.flush_timestamp", 12345)
	require.NoError(t, c.Save())

	loaded, err := Load(LoadOptions{File: path, EnvPrefix: "CACHEFLUSH_TEST_UNUSED_"})
	require.NoError(t, err)
	assert.True(t, loaded.GetBoolean("cdn.enabled"))
	assert.Equal(t, `{"access_token":"abc"}`, loaded.GetString("cdn.rackspace_cdn.access_state"))
	assert.Equal(t, 12345, loaded.GetInteger("browsercache.flush_timestamp"))
}

func TestSave_WithoutFile(t *testing.T) {
	c := New(nil)
	c.Set("a", 1)
	assert.ErrorIs(t, c.Save(), ErrNoFile)
}

func TestKeys_Sorted(t *testing.T) {
	c := New(map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": 1, "y": 2}})
	assert.Equal(t, []string{"a.y", "a.z", "b"}, c.Keys())
}

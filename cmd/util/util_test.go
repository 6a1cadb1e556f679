package util

import (
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupEngineFlags(cmd)
	return cmd
}

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 40)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
	assert.Equal(t, "", WrapString(""))
}

func TestGetEngineConfigFromFlags(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, cmd.PersistentFlags().Set("page-bits", "6"))
	require.NoError(t, cmd.PersistentFlags().Set("phase-timeout", "5s"))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetEngineConfig()
	def := common.DefaultEngineConfig()
	assert.Equal(t, uint8(6), conf.PageBits)
	assert.Equal(t, 5*time.Second, conf.PhaseTimeout)
	assert.Equal(t, "data", conf.Dir)
	assert.Equal(t, def.MemoryPages, conf.MemoryPages)
	assert.Equal(t, def.CheckpointFormat, conf.CheckpointFormat)
	require.NoError(t, conf.Validate())
}

func TestGetEngineConfigFromEnv(t *testing.T) {
	cmd := resetViper(t)
	dir := t.TempDir()
	t.Setenv("HKV_DATA_DIR", dir)
	t.Setenv("HKV_CHECKPOINT_FORMAT", "json")

	InitConfig()
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetEngineConfig()
	assert.Equal(t, dir, conf.Dir)
	assert.Equal(t, "json", conf.CheckpointFormat)
}

func TestOpenDBRecoversLatest(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetEngineConfig()
	conf.Dir = t.TempDir()
	conf.PageBits = 6
	conf.MemoryPages = 8
	conf.MutablePages = 4
	conf.MaxPages = 1 << 12

	// nothing to recover yet
	kv, err := OpenDBWith(conf, true)
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", []byte("v")))
	_, err = kv.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	kv, err = OpenDBWith(conf, true)
	require.NoError(t, err)
	defer kv.Close()
	value, found, err := kv.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	m, err := checkpointManager(conf)
	require.NoError(t, err)
	logs, err := m.ListLogCheckpoints()
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestOpenDBMemoryDevice(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetEngineConfig()
	conf.Dir = ""
	conf.Device = common.DeviceMemory

	kv, err := OpenDBWith(conf, true)
	require.NoError(t, err)
	defer kv.Close()
	require.NoError(t, kv.Set("k", []byte("v")))
	ok, err := kv.Has("k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenDBInvalidConfig(t *testing.T) {
	cmd := resetViper(t)
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetEngineConfig()
	conf.Device = "tape"
	_, err := OpenDBWith(conf, false)
	assert.Error(t, err)
}

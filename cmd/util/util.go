package util

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/hKV/lib/checkpoint"
	"github.com/ValentinKolb/hKV/lib/checkpoint/serializer"
	"github.com/ValentinKolb/hKV/lib/common"
	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/hybrid"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cmd")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the engine configuration flags to a command
func SetupEngineFlags(cmd *cobra.Command) {
	def := common.DefaultEngineConfig()

	key := "data-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("Directory for the log device and the checkpoints"))

	key = "device"
	cmd.PersistentFlags().String(key, string(def.Device), WrapString("Log device (file, memory). A memory device loses all data on exit"))

	key = "page-bits"
	cmd.PersistentFlags().Uint8(key, def.PageBits, WrapString("log2 of the records per log page"))

	key = "memory-pages"
	cmd.PersistentFlags().Int(key, def.MemoryPages, WrapString("Number of log pages kept in memory"))

	key = "mutable-pages"
	cmd.PersistentFlags().Int(key, def.MutablePages, WrapString("Number of in-memory pages (from the tail) that are updated in place"))

	key = "max-pages"
	cmd.PersistentFlags().Int(key, def.MaxPages, WrapString("Upper bound of the log address space in pages"))

	key = "reads-per-second"
	cmd.PersistentFlags().Float64(key, 0, WrapString("Throttle for device reads, 0 disables throttling"))

	key = "concurrent-reads"
	cmd.PersistentFlags().Int(key, def.MaxConcurrentReads, WrapString("Maximum number of device reads in flight"))

	key = "index-size"
	cmd.PersistentFlags().Int(key, def.IndexSizeHint, WrapString("Initial capacity of the hash index"))

	key = "max-sessions"
	cmd.PersistentFlags().Int(key, def.MaxSessions, WrapString("Maximum number of concurrently open sessions"))

	key = "sessions"
	cmd.PersistentFlags().Int(key, 0, WrapString("Size of the session pool, 0 uses the number of CPUs"))

	key = "checkpoint-format"
	cmd.PersistentFlags().String(key, def.CheckpointFormat, WrapString("Serializer of the checkpoint metadata (json, gob, binary)"))

	key = "phase-timeout"
	cmd.PersistentFlags().Duration(key, def.PhaseTimeout, WrapString("Abort a checkpoint phase that takes longer, 0 waits forever"))

	key = "op-timeout"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Bound for a single operation, 0 waits forever"))

	key = "log-level"
	cmd.PersistentFlags().String(key, def.LogLevel, WrapString("Log level (debug, info, warn, error)"))
}

// InitConfig loads .env files and binds environment variables (HKV_<FLAG>)
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() *common.EngineConfig {
	conf := &common.EngineConfig{
		Dir:                viper.GetString("data-dir"),
		Device:             common.DeviceType(viper.GetString("device")),
		PageBits:           uint8(viper.GetUint("page-bits")),
		MemoryPages:        viper.GetInt("memory-pages"),
		MutablePages:       viper.GetInt("mutable-pages"),
		MaxPages:           viper.GetInt("max-pages"),
		ReadsPerSecond:     viper.GetFloat64("reads-per-second"),
		MaxConcurrentReads: viper.GetInt("concurrent-reads"),
		IndexSizeHint:      viper.GetInt("index-size"),
		MaxSessions:        viper.GetInt("max-sessions"),
		CheckpointFormat:   viper.GetString("checkpoint-format"),
		PhaseTimeout:       viper.GetDuration("phase-timeout"),
		LogLevel:           viper.GetString("log-level"),
	}
	return conf
}

// InitLogging configures all package loggers from the log-level setting
func InitLogging() error {
	return common.InitLoggers(viper.GetString("log-level"))
}

// OpenDB opens the configured database. With recoverLatest the newest
// checkpoint in the data directory is restored, if there is one.
func OpenDB(recoverLatest bool) (db.KVDB, *common.EngineConfig, error) {
	conf := GetEngineConfig()
	kv, err := OpenDBWith(conf, recoverLatest)
	return kv, conf, err
}

// OpenDBWith is OpenDB for an explicit configuration
func OpenDBWith(conf *common.EngineConfig, recoverLatest bool) (db.KVDB, error) {
	opts, err := conf.Options()
	if err != nil {
		return nil, err
	}

	kv, err := hybrid.NewHybridDB(&hybrid.DBOptions{
		Engine:    opts,
		Sessions:  viper.GetInt("sessions"),
		OpTimeout: viper.GetDuration("op-timeout"),
	})
	if err != nil {
		return nil, err
	}
	if !recoverLatest || conf.Dir == "" || conf.Device == common.DeviceMemory {
		return kv, nil
	}

	err = kv.Recover(hybrid.LatestToken)
	switch {
	case err == nil:
		Logger.Infof("recovered latest checkpoint from %s", conf.Dir)
	case errors.Is(err, checkpoint.ErrNotFound):
		Logger.Infof("no checkpoint in %s, starting empty", conf.Dir)
	default:
		_ = kv.Close()
		return nil, fmt.Errorf("failed to recover from %s: %w", conf.Dir, err)
	}
	return kv, nil
}

// GetCheckpointManager opens the checkpoint directory without opening a store
func GetCheckpointManager() (*checkpoint.Manager, error) {
	return checkpointManager(GetEngineConfig())
}

func checkpointManager(conf *common.EngineConfig) (*checkpoint.Manager, error) {
	s, err := serializer.ByName(conf.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	if conf.Dir == "" {
		return nil, errors.New("no data directory configured")
	}
	return checkpoint.NewManager(conf.Dir, s)
}

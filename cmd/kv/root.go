package kv

import (
	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/spf13/cobra"
)

var (
	kvStore db.KVDB

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Perform key-value operations on a local store",
		Long: `Perform key-value operations on the store in --data-dir.

Every command recovers the latest checkpoint first. Commands that write
take a new checkpoint before they exit, so the change is visible to the
next invocation.`,
		PersistentPreRunE:  openStore,
		PersistentPostRunE: closeStore,
	}
)

func init() {
	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(hasCmd)
	KeyValueCommands.AddCommand(incrCmd)
	KeyValueCommands.AddCommand(appendCmd)
	KeyValueCommands.AddCommand(infoCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// openStore opens the store and recovers the latest checkpoint
func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	var err error
	kvStore, _, err = util.OpenDB(true)
	return err
}

// closeStore checkpoints writes and closes the store
func closeStore(cmd *cobra.Command, _ []string) error {
	if kvStore == nil {
		return nil
	}
	defer func() { kvStore = nil }()

	if cmd.Annotations["writes"] == "true" && kvStore.SupportsFeature(db.FeatureCheckpoint) {
		token, err := kvStore.Checkpoint()
		if err != nil {
			_ = kvStore.Close()
			return err
		}
		util.Logger.Debugf("checkpoint %s taken", token)
	}
	return kvStore.Close()
}

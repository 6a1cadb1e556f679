package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/db/engines/hybrid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	// CheckpointCommands represents the checkpoint command group
	CheckpointCommands = &cobra.Command{
		Use:               "checkpoint",
		Short:             "Inspect and take checkpoints of a local store",
		PersistentPreRunE: setup,
	}

	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "Lists the checkpoints in the data directory",
		Args:  cobra.NoArgs,
		RunE:  list,
	}

	takeCmd = &cobra.Command{
		Use:   "take",
		Short: "Recovers the latest checkpoint, optionally loads generated keys and takes a new checkpoint",
		Args:  cobra.NoArgs,
		RunE:  take,
	}

	rmCmd = &cobra.Command{
		Use:   "rm [token]",
		Short: "Removes a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  remove,
	}

	// RecoverCmd recovers a checkpoint and prints the recovered state
	RecoverCmd = &cobra.Command{
		Use:     "recover",
		Short:   "Recovers a checkpoint and prints information about the recovered store",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE:    recoverStore,
	}
)

func init() {
	CheckpointCommands.AddCommand(lsCmd)
	CheckpointCommands.AddCommand(takeCmd)
	CheckpointCommands.AddCommand(rmCmd)

	key := "keys"
	takeCmd.Flags().Int(key, 0, util.WrapString("Number of generated keys (key-<n>) to write before the checkpoint"))
	key = "threads"
	takeCmd.Flags().Int(key, 4, util.WrapString("Number of parallel writers for the generated keys"))

	key = "token"
	RecoverCmd.Flags().String(key, hybrid.LatestToken, util.WrapString("Token of the checkpoint to recover, 'latest' picks the newest"))
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return util.InitLogging()
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func list(_ *cobra.Command, _ []string) error {
	m, err := util.GetCheckpointManager()
	if err != nil {
		return err
	}
	logs, err := m.ListLogCheckpoints()
	if err != nil {
		return err
	}
	indexes, err := m.ListIndexCheckpoints()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOG CHECKPOINTS")
	fmt.Fprintln(w, "TOKEN\tVERSION\tBEGIN\tFINAL\tSESSIONS\tCREATED")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", l.Token, l.Version, l.BeginAddress, l.FinalAddress, len(l.Sessions), l.Created.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "INDEX CHECKPOINTS")
	fmt.Fprintln(w, "TOKEN\tVERSION\tSTART\tFINAL\tENTRIES\tCREATED")
	for _, i := range indexes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", i.Token, i.Version, i.StartAddress, i.FinalAddress, i.NumEntries, i.Created.Format(time.RFC3339))
	}
	return w.Flush()
}

func take(_ *cobra.Command, _ []string) error {
	kv, conf, err := util.OpenDB(true)
	if err != nil {
		return err
	}
	defer kv.Close()

	numKeys := viper.GetInt("keys")
	if numKeys > 0 {
		g := errgroup.Group{}
		g.SetLimit(max(viper.GetInt("threads"), 1))
		for i := 0; i < numKeys; i++ {
			g.Go(func() error {
				return kv.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to load keys: %w", err)
		}
		fmt.Printf("loaded %d keys\n", numKeys)
	}

	start := time.Now()
	token, err := kv.Checkpoint()
	if err != nil {
		return err
	}
	fmt.Printf("checkpoint %s taken in %s (dir=%s)\n", token, time.Since(start).Round(time.Millisecond), conf.Dir)
	return nil
}

func remove(_ *cobra.Command, args []string) error {
	token, err := common.ParseToken(args[0])
	if err != nil {
		return fmt.Errorf("invalid token %q: %w", args[0], err)
	}
	m, err := util.GetCheckpointManager()
	if err != nil {
		return err
	}
	if err := m.Remove(token); err != nil {
		return err
	}
	fmt.Printf("checkpoint %s removed\n", token)
	return nil
}

func recoverStore(_ *cobra.Command, _ []string) error {
	kv, conf, err := util.OpenDB(false)
	if err != nil {
		return err
	}
	defer kv.Close()

	token := viper.GetString("token")
	start := time.Now()
	if err := kv.Recover(token); err != nil {
		return err
	}
	fmt.Printf("recovered %s from %s in %s\n", token, conf.Dir, time.Since(start).Round(time.Millisecond))

	out, err := json.MarshalIndent(kv.GetInfo(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

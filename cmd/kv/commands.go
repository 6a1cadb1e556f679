package kv

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/spf13/cobra"
)

// writes marks commands that change the store
var writes = map[string]string{"writes": "true"}

var (
	setCmd = &cobra.Command{
		Use:         "set [key] [value]",
		Short:       "Sets the value for a key",
		Args:        cobra.ExactArgs(2),
		Annotations: writes,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kvStore.Set(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			resp, ok, err := kvStore.Get(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, formatValue(resp))
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:         "del [key]",
		Short:       "Deletes a key value pair",
		Args:        cobra.ExactArgs(1),
		Annotations: writes,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kvStore.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			found, err := kvStore.Has(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", key, found)
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:         "incr [key] [delta]",
		Short:       "Atomically adds delta (default 1) to a counter",
		Args:        cobra.RangeArgs(1, 2),
		Annotations: writes,
		RunE: func(cmd *cobra.Command, args []string) error {
			delta := int64(1)
			if len(args) == 2 {
				var err error
				if delta, err = strconv.ParseInt(args[1], 10, 64); err != nil {
					return fmt.Errorf("delta must be a number: %w", err)
				}
			}
			n, err := kvStore.Increment(args[0], delta)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, value=%d\n", args[0], n)
			return nil
		},
	}
	appendCmd = &cobra.Command{
		Use:         "append [key] [value]",
		Short:       "Atomically appends to the value of a key",
		Args:        cobra.ExactArgs(2),
		Annotations: writes,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := kvStore.Append(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, length=%d\n", args[0], n)
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints statistics about the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := json.MarshalIndent(kvStore.GetInfo(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
)

// formatValue prints text as is. Other values are shown as counters when
// they have a counter's size (as written by incr) and as hex otherwise.
func formatValue(v []byte) string {
	if isText(v) {
		return string(v)
	}
	if len(v) == 8 {
		return fmt.Sprintf("%d (counter, 0x%s)", util.DecodeInt64(v), hex.EncodeToString(v))
	}
	return "0x" + hex.EncodeToString(v)
}

func isText(v []byte) bool {
	if !utf8.Valid(v) {
		return false
	}
	for _, r := range string(v) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

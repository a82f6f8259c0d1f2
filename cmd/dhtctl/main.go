// Command dhtctl is the administrative CLI for a DHT cluster: it talks
// the same named-method RPC protocol the nodes speak to each other
// (spec §6) to inspect a node's ranges table and disk headroom, push
// or pull objects, and trigger a repair pass on demand. Adapted from
// the teacher's cmd/coordinator/main.go in spirit (a thin operator
// surface over the cluster's own wire protocol) but built as a cobra
// CLI rather than a long-running server, the shape every other example
// in the retrieval pack uses for an admin tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/fabnetdht/internal/dataops"
	"github.com/dreamware/fabnetdht/internal/dhtkey"
	"github.com/dreamware/fabnetdht/internal/fsrange"
	"github.com/dreamware/fabnetdht/internal/rpcapi"
	"github.com/dreamware/fabnetdht/internal/usermeta"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "dhtctl",
		Short: "Administrative CLI for a fabnetdht cluster",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8181", "target node's address (host:port)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-call timeout")

	newClient := func() (*rpcapi.Client, context.Context, context.CancelFunc) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		return rpcapi.NewClient("dhtctl"), ctx, cancel
	}

	root.AddCommand(
		newStatusCmd(&addr, newClient),
		newRangesCmd(&addr, newClient),
		newRepairCmd(&addr, newClient),
		newPutCmd(&addr, newClient),
		newGetCmd(&addr, newClient),
		newDeleteCmd(&addr, newClient),
		newUserInfoCmd(&addr, newClient),
		newSetQuotaCmd(&addr, newClient),
		newObjectPutCmd(&addr, newClient),
		newObjectInfoCmd(&addr, newClient),
	)
	return root
}

type clientFactory func() (*rpcapi.Client, context.Context, context.CancelFunc)

func newStatusCmd(addr *string, newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report a node's free-space headroom per content class",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			name, classes, err := c.NodeStatistic(ctx, *addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node: %s\n", name)
			for class, pct := range classes {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-14s %.2f%% free\n", class, pct)
			}
			return nil
		},
	}
}

func newRangesCmd(addr *string, newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "ranges",
		Short: "Dump a node's view of the ranges table",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			ranges, modIndex, err := c.GetRangesTable(ctx, *addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mod_index: %d, %d ranges\n", modIndex, len(ranges))
			for _, r := range ranges {
				fmt.Fprintf(cmd.OutOrStdout(), "  [%s, %s] -> %s\n", r.Start, r.End, r.Addr)
			}
			return nil
		},
	}
}

func newRepairCmd(addr *string, newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Trigger a synchronous repair pass on a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			report, err := c.RepairDataBlocks(ctx, *addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed local: %d, invalid local: %d, repaired foreign: %d, failed foreign: %d\n",
				report.ProcessedLocalBlocks, report.InvalidLocalBlocks, report.RepairedForeignBlocks, report.FailedRepairForeignBlocks)
			return nil
		},
	}
}

func newPutCmd(addr *string, newClient clientFactory) *cobra.Command {
	var ownerHex string
	var replicaCount, waitWrites int
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file as one replicated data block (spec client_put_data)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerHashFrom(ownerHex)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			c, ctx, cancel := newClient()
			defer cancel()
			res, err := c.ClientPutData(ctx, *addr, dataops.ClientPutRequest{
				OwnerHash:       owner,
				ReplicaCount:    replicaCount,
				WaitWritesCount: waitWrites,
			}, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key: %s\nchecksum: %s\nsize: %d\n", res.Key, res.Checksum, res.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerHex, "owner", "", "owner hash, 40 hex chars (required)")
	cmd.Flags().IntVar(&replicaCount, "replicas", 2, "replica count")
	cmd.Flags().IntVar(&waitWrites, "wait-writes", 1, "writes to wait for before returning")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newGetCmd(addr *string, newClient clientFactory) *cobra.Command {
	var classStr string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch one data block by key and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := dhtkey.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing key: %w", err)
			}
			c, ctx, cancel := newClient()
			defer cancel()
			_, body, err := c.GetDataBlock(ctx, *addr, key, fsrange.ContentClass(classStr), nil)
			if err != nil {
				return err
			}
			defer body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), body)
			return err
		},
	}
	cmd.Flags().StringVar(&classStr, "class", string(fsrange.ClassMasterData), "content class to read from")
	return cmd
}

func newDeleteCmd(addr *string, newClient clientFactory) *cobra.Command {
	var ownerHex string
	cmd := &cobra.Command{
		Use:   "delete <key>...",
		Short: "Delete one or more data blocks by key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerHashFrom(ownerHex)
			if err != nil {
				return err
			}
			keys := make([]dhtkey.Key, len(args))
			for i, a := range args {
				keys[i], err = dhtkey.Parse(a)
				if err != nil {
					return fmt.Errorf("parsing key %q: %w", a, err)
				}
			}
			c, ctx, cancel := newClient()
			defer cancel()
			failed, errs, err := c.ClientDeleteData(ctx, *addr, keys, owner)
			if err != nil {
				return err
			}
			if failed {
				for k, msg := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", k, msg)
				}
				return fmt.Errorf("delete failed for %d key(s)", len(errs))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerHex, "owner", "", "owner hash, 40 hex chars (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newUserInfoCmd(addr *string, newClient clientFactory) *cobra.Command {
	var ownerHex string
	cmd := &cobra.Command{
		Use:   "user-info",
		Short: "Show a user's quota and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerHashFrom(ownerHex)
			if err != nil {
				return err
			}
			c, ctx, cancel := newClient()
			defer cancel()
			info, err := c.GetKeysInfo(ctx, *addr, owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "owner: %s\nstorage_size: %d\nused_size: %d\nflags: %d\n",
				info.OwnerHash, info.StorageSize, info.UsedSize, info.Flags)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerHex, "owner", "", "owner hash, 40 hex chars (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSetQuotaCmd(addr *string, newClient clientFactory) *cobra.Command {
	var ownerHex string
	var storageSize int64
	cmd := &cobra.Command{
		Use:   "set-quota",
		Short: "Set a user's storage quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerHashFrom(ownerHex)
			if err != nil {
				return err
			}
			c, ctx, cancel := newClient()
			defer cancel()
			if err := c.UpdateUserProfile(ctx, *addr, usermeta.UserInfo{OwnerHash: owner, StorageSize: storageSize}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerHex, "owner", "", "owner hash, 40 hex chars (required)")
	cmd.Flags().Int64Var(&storageSize, "storage-size", 0, "new storage quota, in bytes")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newObjectPutCmd(addr *string, newClient clientFactory) *cobra.Command {
	var ownerHex, path string
	var seek int64
	var replicaCount, waitWrites int
	cmd := &cobra.Command{
		Use:   "object-put <file>",
		Short: "Store a file under a user path, registering it in their metadata tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerHashFrom(ownerHex)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			c, ctx, cancel := newClient()
			defer cancel()
			key, checksum, size, err := c.PutObjectPart(ctx, *addr, owner, path, seek, replicaCount, waitWrites, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key: %s\nchecksum: %s\nsize: %d\n", key, checksum, size)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerHex, "owner", "", "owner hash, 40 hex chars (required)")
	cmd.Flags().StringVar(&path, "path", "", "path within the user's tree (required)")
	cmd.Flags().Int64Var(&seek, "seek", 0, "byte offset within the object")
	cmd.Flags().IntVar(&replicaCount, "replicas", 2, "replica count")
	cmd.Flags().IntVar(&waitWrites, "wait-writes", 1, "writes to wait for before returning")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newObjectInfoCmd(addr *string, newClient clientFactory) *cobra.Command {
	var ownerHex, path string
	cmd := &cobra.Command{
		Use:   "object-info",
		Short: "Show a path's metadata and backing blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerHashFrom(ownerHex)
			if err != nil {
				return err
			}
			c, ctx, cancel := newClient()
			defer cancel()
			info, blocks, err := c.GetObjectInfo(ctx, *addr, owner, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "name: %s\ntype: %d\nrecursive_size: %d\n", info.Name, info.Type, info.RecursiveSize)
			for _, child := range info.Children {
				fmt.Fprintf(cmd.OutOrStdout(), "  child: %s\n", child)
			}
			for _, b := range blocks {
				fmt.Fprintf(cmd.OutOrStdout(), "  block: %s seek=%d size=%d replicas=%d\n", b.DBKey, b.Seek, b.Size, b.ReplicaCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerHex, "owner", "", "owner hash, 40 hex chars (required)")
	cmd.Flags().StringVar(&path, "path", "/", "path within the user's tree")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func ownerHashFrom(hex string) (dhtkey.Key, error) {
	if hex == "" {
		return dhtkey.Key{}, fmt.Errorf("--owner is required")
	}
	return dhtkey.Parse(hex)
}

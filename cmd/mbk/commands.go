// cmd/mbk/commands.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mmp/mbk/backup"
	"github.com/mmp/mbk/extract"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/rdso"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(listCmd, infoCmd, domainsCmd, lsCmd, extractCmd, restoreCmd,
		fsckCmd, protectCmd, mountCmd, deleteCmd, passwdCmd, mirrorCmd, createCmd, formatCmd)

	extractCmd.Flags().Bool("preserve-mode", false, "apply the permissions recorded in the backup")
	extractCmd.Flags().Int("max-io-errors", 10, "give up after this many write errors (negative: never)")
	restoreCmd.Flags().StringSlice("read-only-domains", extract.DefaultReadOnlyDomains,
		"domains that are never written")
	restoreCmd.Flags().Int("max-io-errors", 10, "give up after this many write errors (negative: never)")

	fsckCmd.Flags().Bool("decrypt", false, "decrypt every file, not just check that its blob exists")
	fsckCmd.Flags().Bool("parity", false, "also check the Reed-Solomon parity files")
	fsckCmd.Flags().Bool("repair", false, "repair corrupt files from their parity (implies --parity)")

	protectCmd.Flags().Int("data-shards", rdso.DefaultOptions.NDataShards, "Reed-Solomon data shards")
	protectCmd.Flags().Int("parity-shards", rdso.DefaultOptions.NParityShards, "Reed-Solomon parity shards")

	deleteCmd.Flags().BoolP("force", "f", false, "don't ask for confirmation")

	createCmd.Flags().Bool("encrypt-manifest", true, "encrypt Manifest.db")
	createCmd.Flags().StringSlice("exclude", nil, "skip local paths containing this string")
	createCmd.Flags().String("device-name", "", "device name recorded in the backup")
	createCmd.Flags().Int("iterations", keybag.DefaultParams.Iterations, "key derivation iterations")
	createCmd.Flags().Int("dp-iterations", keybag.DefaultParams.DoubleProtectionIterations,
		"double protection key derivation iterations (0: none)")
}

var listCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List the backups in a directory, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("dir")
		if len(args) > 0 {
			dir = args[0]
		}
		if dir == "" {
			return errors.New("no backup directory: use --dir or MBK_DIR")
		}
		infos, err := backup.List(dir)
		if err != nil {
			return err
		}
		for _, i := range infos {
			fmt.Println(i)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <backup>",
	Short: "Describe a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		st, err := openStore(ctx, args[0])
		if err != nil {
			return err
		}
		b, err := backup.Open(st)
		if err != nil {
			return err
		}
		i := b.Info()

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintf(w, "Device:\t%s\n", i.DeviceName)
		fmt.Fprintf(w, "Identifier:\t%s\n", i.ID)
		fmt.Fprintf(w, "Product:\t%s %s (%s)\n", i.ProductType, i.ProductVersion, i.BuildVersion)
		fmt.Fprintf(w, "Serial number:\t%s\n", i.SerialNumber)
		fmt.Fprintf(w, "Date:\t%s\n", i.Date.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Encrypted:\t%v\n", i.Encrypted)
		fmt.Fprintf(w, "Full backup:\t%v\n", i.Full)
		if i.Size > 0 {
			fmt.Fprintf(w, "Size:\t%s\n", u.FmtBytes(i.Size))
		}
		if kb := b.KeyBag(); kb != nil {
			fmt.Fprintf(w, "Key derivation:\t%d + %d iterations\n", kb.Iterations, kb.DPIterations)
		}
		return w.Flush()
	},
}

var domainsCmd = &cobra.Command{
	Use:   "domains <backup>",
	Short: "List the domains in a backup with their file counts and sizes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		o, err := openBackup(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		defer o.Close()

		type count struct {
			files int
			size  int64
		}
		counts := make(map[string]*count)
		for e := range o.index.All() {
			c, ok := counts[e.Domain]
			if !ok {
				c = &count{}
				counts[e.Domain] = c
			}
			if e.IsFile() {
				c.files++
				c.size += e.Size
			}
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', tabwriter.AlignRight)
		for _, d := range o.index.Domains() {
			fmt.Fprintf(w, "%d\t%s\t %s\n", counts[d].files, u.FmtBytes(counts[d].size), d)
		}
		return w.Flush()
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <backup> [Domain/path...]",
	Short: "List the entries of a backup",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sels, err := parseSelectors(args[1:])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		o, err := openBackup(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		defer o.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
		for e := range o.index.All() {
			matched := false
			for _, s := range sels {
				matched = matched || s.Match(&e)
			}
			if !matched {
				continue
			}
			name := e.Path()
			if e.IsSymlink() {
				name += " -> " + e.Target
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.FileMode(), u.FmtBytes(e.Size),
				e.ModTime.Local().Format("2006-01-02 15:04"), name)
		}
		return w.Flush()
	},
}

///////////////////////////////////////////////////////////////////////////
// Extraction

var extractCmd = &cobra.Command{
	Use:   "extract <backup> <dest> [Domain/path...]",
	Short: "Decrypt the selected files into dest/Domain/path",
	Long: `Decrypt the selected files into dest/Domain/path. A selector is a domain
pattern, optionally followed by a slash and a path pattern; selecting a
directory selects everything under it. Without selectors, the whole
backup is extracted.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		preserve, _ := cmd.Flags().GetBool("preserve-mode")
		sink := &extract.DirSink{Root: args[1], PreserveMode: preserve}
		return runRestore(cmd, args[0], sink, args[2:])
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup> <dest> [Domain/path...]",
	Short: "Restore the selected files into a device image directory",
	Long: `Restore the selected files into a device image directory, keeping their
recorded permissions. System domains are never written; if a selector
includes one, its files are skipped.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ro, _ := cmd.Flags().GetStringSlice("read-only-domains")
		sink := &extract.DirSink{Root: args[1], ReadOnlyDomains: ro, PreserveMode: true}
		return runRestore(cmd, args[0], sink, args[2:])
	},
}

func runRestore(cmd *cobra.Command, name string, sink extract.Sink, selArgs []string) error {
	sels, err := parseSelectors(selArgs)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	o, err := openBackup(ctx, name)
	if err != nil {
		return describe(err)
	}
	defer o.Close()

	maxIO, _ := cmd.Flags().GetInt("max-io-errors")
	x := extract.New(o.backup, o.index, o.ul, extract.Options{
		Concurrency: viper.GetInt("concurrency"),
		MaxIOErrors: maxIO,
	})
	job := x.Restore(ctx, sels, sink)
	for ev := range job.Events() {
		switch ev.Kind {
		case extract.Started:
			log.Verbose("%s: %d files", sink, ev.Total)
		case extract.EntryDone:
			log.Debug("[%d/%d] %s (%s)", ev.Done, ev.Total, ev.Path, u.FmtBytes(ev.Bytes))
		case extract.EntryFailed:
			log.Debug("[%d/%d] %s: %s", ev.Done, ev.Total, ev.Path, ev.Err)
		}
	}
	res := job.Wait()
	for _, line := range res.Summary() {
		fmt.Println(line)
	}
	switch {
	case res.Err != nil:
		return res.Err
	case res.Failed > 0:
		return fmt.Errorf("%d files could not be extracted", res.Failed)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Integrity

var fsckCmd = &cobra.Command{
	Use:   "fsck <backup>",
	Short: "Check that every file in a backup is present and readable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dec, _ := cmd.Flags().GetBool("decrypt")
		parity, _ := cmd.Flags().GetBool("parity")
		repair, _ := cmd.Flags().GetBool("repair")

		ctx, cancel := signalContext()
		defer cancel()
		o, err := openBackup(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		defer o.Close()

		r, err := o.backup.Fsck(ctx, o.index, o.ul, backup.FsckOptions{
			Decrypt:     dec,
			Concurrency: viper.GetInt("concurrency"),
		})
		if err != nil {
			return err
		}
		for _, line := range r.Summary() {
			fmt.Println(line)
		}
		ok := r.OK()

		if parity || repair {
			d, isLocal := o.backup.Store().(*storage.Disk)
			if !isLocal {
				return errors.New("parity files can only be checked for local backups")
			}
			tr, err := rdso.CheckTree(d.Root(), repair, log)
			if err != nil {
				return err
			}
			fmt.Printf("%d files checked against parity, %d corrupt, %d repaired, %d without parity\n",
				tr.Files-len(tr.Unencoded), len(tr.Corrupt), len(tr.Restored), len(tr.Unencoded))
			ok = ok && len(tr.Corrupt) == len(tr.Restored)
		}
		if !ok {
			return errors.New("backup has errors")
		}
		return nil
	},
}

var protectCmd = &cobra.Command{
	Use:   "protect <backup>",
	Short: "Write Reed-Solomon parity files for every file in a backup",
	Long: `Write Reed-Solomon parity files for every file in a backup, so that "mbk
fsck --repair" can later fix corruption in an archived copy. Files whose
parity is up to date are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := backupPath(args[0])
		if err != nil {
			return err
		}
		if _, err := backup.OpenDir(p); err != nil {
			return err
		}
		opts := rdso.DefaultOptions
		opts.NDataShards, _ = cmd.Flags().GetInt("data-shards")
		opts.NParityShards, _ = cmd.Flags().GetInt("parity-shards")
		r, err := rdso.EncodeTree(p, opts, log)
		if err != nil {
			return err
		}
		fmt.Printf("%d files, %d encoded\n", r.Files, r.Encoded)
		return nil
	},
}

///////////////////////////////////////////////////////////////////////////
// Management

var deleteCmd = &cobra.Command{
	Use:   "delete <backup>",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := backupPath(args[0])
		if err != nil {
			return err
		}
		if force, _ := cmd.Flags().GetBool("force"); !force {
			b, err := backup.OpenDir(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Delete %s? [y/N] ", b.Info())
			var answer string
			fmt.Scanln(&answer)
			if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
				return nil
			}
		}
		return backup.Delete(p)
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd <backup>",
	Short: "Change the password of an encrypted backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := backupPath(args[0])
		if err != nil {
			return err
		}
		old, err := readPassword("Current password: ")
		if err != nil {
			return err
		}
		pw, err := readNewPassword()
		if err != nil {
			return err
		}
		return describe(backup.ChangePassword(p, old, pw, keybag.DefaultParams))
	},
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror <backup> [dest]",
	Short: "Copy a backup to another directory or to the configured GCS bucket",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := backupPath(args[0])
		if err != nil {
			return err
		}
		src, err := storage.NewDisk(p)
		if err != nil {
			return err
		}
		if _, err := backup.Open(src); err != nil {
			return err
		}

		var dst storage.Writer
		if opts, ok := gcsOptions(); ok && len(args) == 1 {
			ctx, cancel := signalContext()
			defer cancel()
			opts.Prefix = strings.Trim(opts.Prefix+"/"+filepath.Base(p), "/")
			opts.Create = true
			g, err := storage.NewGCS(ctx, opts)
			if err != nil {
				return err
			}
			defer g.Close()
			dst = g
		} else if len(args) == 2 {
			if dst, err = storage.CreateDisk(args[1]); err != nil {
				return err
			}
		} else {
			return errors.New("no destination: give a directory or use --gcs-bucket")
		}
		log.Verbose("%s: mirroring to %s", src, dst)
		return storage.Copy(src, dst)
	},
}

// createCmd builds a backup from local directories, one per domain. It's
// mostly useful for making test fixtures.
var createCmd = &cobra.Command{
	Use:   "create <backup> <Domain=dir>...",
	Short: "Create an encrypted backup from local directories",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		trees := make(map[string]string)
		for _, a := range args[1:] {
			domain, dir, ok := strings.Cut(a, "=")
			if !ok || domain == "" || dir == "" {
				return fmt.Errorf("%s: expected Domain=dir", a)
			}
			trees[domain] = dir
		}
		pw := []byte(viper.GetString("password"))
		if len(pw) == 0 {
			var err error
			if pw, err = readNewPassword(); err != nil {
				return err
			}
		}

		opts := backup.WriterOptions{}
		opts.Params.Iterations, _ = cmd.Flags().GetInt("iterations")
		opts.Params.DoubleProtectionIterations, _ = cmd.Flags().GetInt("dp-iterations")
		opts.EncryptManifest, _ = cmd.Flags().GetBool("encrypt-manifest")
		opts.ExcludedPaths, _ = cmd.Flags().GetStringSlice("exclude")
		opts.Device.DeviceName, _ = cmd.Flags().GetString("device-name")
		root := args[0]
		if dir := viper.GetString("dir"); dir != "" && !filepath.IsAbs(root) &&
			!strings.ContainsRune(root, filepath.Separator) {
			root = filepath.Join(dir, root)
		}
		w, err := backup.Create(root, pw, opts)
		if err != nil {
			return err
		}

		var domains []string
		for d := range trees {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		for _, d := range domains {
			if err := w.AddTree(d, trees[d]); err != nil {
				return err
			}
		}
		return w.Close(context.Background())
	},
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Describe the layout of an encrypted backup",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(formatText)
	},
}

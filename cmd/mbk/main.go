// cmd/mbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// mbk inspects and extracts encrypted device backups.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mmp/mbk/backup"
	"github.com/mmp/mbk/extract"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var log *u.Logger

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mbk",
	Short: "Inspect and extract encrypted device backups",
	Long: `mbk reads encrypted device backups: it lists them, unlocks them with the
backup password, and extracts or restores selected files. Files are
selected with Domain/path patterns, where the path may use ** globs.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setLogger(u.NewLogger(viper.GetBool("verbose"), viper.GetBool("debug")))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	if log.Errors() > 0 {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mbk.yaml)")
	pf.StringP("dir", "d", "", "directory holding backups (or use MBK_DIR)")
	pf.String("password", "", "backup password (or use MBK_PASSWORD)")
	pf.IntP("concurrency", "j", 0, "number of files to decrypt at once (default: number of CPUs)")
	pf.String("gcs-bucket", "", "Google Cloud Storage bucket for mirrored backups")
	pf.String("gcs-prefix", "", "object prefix within the GCS bucket")
	pf.String("gcs-project", "", "GCS project ID, used when creating the bucket")
	pf.String("gcs-credentials", "", "GCS credentials file (default: application default credentials)")
	pf.Int("upload-bytes-per-second", 0, "maximum upload bandwidth for mirrors (0: unlimited)")
	pf.Int("download-bytes-per-second", 0, "maximum download bandwidth from GCS (0: unlimited)")
	pf.BoolP("verbose", "v", false, "print progress")
	pf.Bool("debug", false, "print debugging output")

	for _, name := range []string{"dir", "password", "concurrency", "gcs-bucket", "gcs-prefix",
		"gcs-project", "gcs-credentials", "upload-bytes-per-second", "download-bytes-per-second",
		"verbose", "debug"} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(fmt.Sprintf("%s: %v", name, err))
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mbk")
	}

	viper.SetEnvPrefix("MBK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", viper.ConfigFileUsed(), err)
		}
	}
}

func setLogger(l *u.Logger) {
	log = l
	backup.SetLogger(l)
	extract.SetLogger(l)
	manifest.SetLogger(l)
	storage.SetLogger(l)
}

///////////////////////////////////////////////////////////////////////////
// Helpers shared by the commands

// signalContext returns a context that's canceled on SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// backupPath resolves a backup name: either a path or the name of a
// directory under the configured backup directory.
func backupPath(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	if dir := viper.GetString("dir"); dir != "" && !filepath.IsAbs(name) {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, backup.ErrNotBackup)
}

// gcsOptions returns the options for the configured GCS bucket, if any.
func gcsOptions() (storage.GCSOptions, bool) {
	bucket := viper.GetString("gcs-bucket")
	return storage.GCSOptions{
		BucketName:                bucket,
		Prefix:                    viper.GetString("gcs-prefix"),
		ProjectId:                 viper.GetString("gcs-project"),
		CredentialsFile:           viper.GetString("gcs-credentials"),
		MaxUploadBytesPerSecond:   viper.GetInt("upload-bytes-per-second"),
		MaxDownloadBytesPerSecond: viper.GetInt("download-bytes-per-second"),
	}, bucket != ""
}

// openStore opens the backup named on the command line. With --gcs-bucket
// set, the name is the prefix of a mirror in the bucket.
func openStore(ctx context.Context, name string) (storage.Store, error) {
	if opts, ok := gcsOptions(); ok {
		opts.Prefix = strings.Trim(opts.Prefix+"/"+name, "/")
		return storage.NewGCS(ctx, opts)
	}
	p, err := backupPath(name)
	if err != nil {
		return nil, err
	}
	return storage.NewDisk(p)
}

// readPassword returns the configured password or prompts for one.
func readPassword(prompt string) ([]byte, error) {
	if pw := viper.GetString("password"); pw != "" {
		return []byte(pw), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no password: use --password or MBK_PASSWORD")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}

// readNewPassword prompts for a password twice.
func readNewPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("new password must be entered interactively")
	}
	pw, err := readPasswordPrompt(fd, "New password: ")
	if err != nil {
		return nil, err
	}
	again, err := readPasswordPrompt(fd, "Repeat new password: ")
	if err != nil {
		return nil, err
	}
	if string(pw) != string(again) {
		return nil, errors.New("passwords don't match")
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}

func readPasswordPrompt(fd int, prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(fd)
}

// opened holds everything needed to read files from a backup.
type opened struct {
	backup *backup.Backup
	ul     *keybag.Unlocked
	index  *manifest.Index
}

func (o *opened) Close() {
	if o.ul != nil {
		o.ul.Close()
	}
}

// openBackup opens and, if it's encrypted, unlocks the named backup and
// loads its manifest.
func openBackup(ctx context.Context, name string) (*opened, error) {
	st, err := openStore(ctx, name)
	if err != nil {
		return nil, err
	}
	b, err := backup.Open(st)
	if err != nil {
		return nil, err
	}
	o := &opened{backup: b}
	if b.Encrypted() {
		pw, err := readPassword(fmt.Sprintf("Password for %s: ", b.DeviceName()))
		if err != nil {
			return nil, err
		}
		o.ul, err = b.Unlock(pw)
		for i := range pw {
			pw[i] = 0
		}
		if err != nil {
			return nil, err
		}
	}
	if o.index, err = b.Index(ctx, o.ul); err != nil {
		o.Close()
		return nil, err
	}
	log.Verbose("%s: %d entries in %d domains", b, o.index.Len(), len(o.index.Domains()))
	return o, nil
}

// parseSelectors parses the selectors given on the command line; none
// means everything.
func parseSelectors(args []string) ([]extract.Selector, error) {
	if len(args) == 0 {
		return []extract.Selector{extract.All()}, nil
	}
	var sels []extract.Selector
	for _, a := range args {
		s, err := extract.ParseSelector(a)
		if err != nil {
			return nil, err
		}
		sels = append(sels, s)
	}
	return sels, nil
}

// describe reports a wrong password without any detail about which key
// failed.
func describe(err error) error {
	if errors.Is(err, keybag.ErrWrongPassword) {
		return errors.New("incorrect password")
	}
	return err
}

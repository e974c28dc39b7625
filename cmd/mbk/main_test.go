// cmd/mbk/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/mbk/backup"
	"github.com/mmp/mbk/extract"
	"github.com/mmp/mbk/keybag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "hunter2"

func makeTestBackup(t *testing.T, root string) {
	t.Helper()
	w, err := backup.Create(root, []byte(testPassword), backup.WriterOptions{
		Params:          keybag.Params{Iterations: 10, DoubleProtectionIterations: 10},
		EncryptManifest: true,
		Device:          backup.DeviceInfo{DeviceName: "Test Phone"},
	})
	require.NoError(t, err)
	mtime := time.Date(2022, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, w.AddFile("HomeDomain", "Library/Notes/notes.txt",
		bytes.NewReader([]byte("remember the milk")), 0644, mtime))
	require.NoError(t, w.AddFile("HomeDomain", "Library/Preferences/a.plist",
		bytes.NewReader(make([]byte, 5000)), 0600, mtime))
	require.NoError(t, w.AddFile("KeychainDomain", "keychain-backup.plist",
		bytes.NewReader([]byte("secret")), 0600, mtime))
	require.NoError(t, w.Close(context.Background()))
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestParseSelectors(t *testing.T) {
	sels, err := parseSelectors(nil)
	require.NoError(t, err)
	assert.Equal(t, []extract.Selector{extract.All()}, sels)

	sels, err = parseSelectors([]string{"HomeDomain/Library/**", "CameraRollDomain"})
	require.NoError(t, err)
	require.Len(t, sels, 2)
	assert.Equal(t, "HomeDomain", sels[0].Domain)
	assert.Equal(t, "CameraRollDomain", sels[1].Domain)

	_, err = parseSelectors([]string{"HomeDomain/[unterminated"})
	assert.Error(t, err)
}

func TestBackupPath(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "phone")
	require.NoError(t, os.Mkdir(root, 0700))

	viper.Set("dir", dir)
	defer viper.Set("dir", "")

	p, err := backupPath("phone")
	require.NoError(t, err)
	assert.Equal(t, root, p)

	p, err = backupPath(root)
	require.NoError(t, err)
	assert.Equal(t, root, p)

	_, err = backupPath("tablet")
	assert.ErrorIs(t, err, backup.ErrNotBackup)
}

func TestDescribe(t *testing.T) {
	err := describe(&keybag.AuthError{Err: keybag.ErrWrongPassword, Detail: "class 3"})
	assert.EqualError(t, err, "incorrect password")

	other := os.ErrNotExist
	assert.Equal(t, other, describe(other))
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "phone")
	makeTestBackup(t, root)

	require.NoError(t, run(t, "list", dir))
	require.NoError(t, run(t, "info", root))
	require.NoError(t, run(t, "domains", "--password", testPassword, root))
	require.NoError(t, run(t, "ls", "--password", testPassword, root, "HomeDomain/Library/**"))
	require.NoError(t, run(t, "fsck", "--password", testPassword, "--decrypt", root))

	err := run(t, "ls", "--password", "wrong", root)
	assert.EqualError(t, err, "incorrect password")

	dest := filepath.Join(dir, "out")
	require.NoError(t, run(t, "extract", "--password", testPassword, root, dest, "HomeDomain/Library/Notes"))
	b, err := os.ReadFile(filepath.Join(dest, "HomeDomain", "Library", "Notes", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(b))
	_, err = os.Stat(filepath.Join(dest, "HomeDomain", "Library", "Preferences"))
	assert.True(t, os.IsNotExist(err))

	// The keychain is never restored.
	image := filepath.Join(dir, "image")
	require.NoError(t, run(t, "restore", "--password", testPassword, root, image))
	_, err = os.Stat(filepath.Join(image, "HomeDomain", "Library", "Preferences", "a.plist"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(image, "KeychainDomain"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, run(t, "protect", root))
	require.NoError(t, run(t, "fsck", "--password", testPassword, "--parity", root))

	mirror := filepath.Join(dir, "mirror")
	require.NoError(t, run(t, "mirror", root, mirror))
	require.NoError(t, run(t, "fsck", "--password", testPassword, "--decrypt", mirror))

	require.NoError(t, run(t, "delete", "--force", mirror))
	_, err = os.Stat(mirror)
	assert.True(t, os.IsNotExist(err))
}

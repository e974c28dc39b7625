// cmd/mbk/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var formatText = `
This document describes the layout of an encrypted device backup in
sufficient detail that (if ever necessary) it's possible to recover files
from one without the mbk source code. We'll proceed bottom-up, from how
file contents are stored to the metadata that describes them.

# Blobs

Each regular file in the backup is stored as a single blob whose name is
the lowercase hex SHA-1 hash of its domain, a hyphen, and its path
relative to the domain; for example

	sha1("HomeDomain-Library/SMS/sms.db")

Blobs are stored in one of 256 subdirectories named after the first two
hex digits of their name, as in 3d/3d0d7e5fb2ce288813306e4d4636395e047a3d28.
Older backups put all of the blobs at the top level; both layouts are
accepted. Files named *.rs are Reed-Solomon parity written by "mbk
protect" and aren't part of the backup itself.

Directories and symbolic links have no blob.

# File encryption

Each file is encrypted with its own random 256-bit key using AES in CBC
mode with an all-zero initialization vector and PKCS#7 padding. An empty
file is either an empty blob or a single block of padding. If the
decrypted data is longer than the size recorded in the manifest, it's
truncated to that size.

The per-file key is stored in the manifest wrapped (RFC 3394 AES key wrap,
40 bytes) with the key of the file's protection class, and prefixed with
the class number as a 4-byte little-endian integer.

# The key bag

Manifest.plist is a property list. Its BackupKeyBag item holds a sequence
of items, each a 4-byte ASCII tag, a 4-byte big-endian length, and that
many bytes of value. The items before the second UUID describe the key
bag as a whole:

	VERS, TYPE, WRAP, HMCK   key bag version, type, wrapping, HMAC key
	UUID                     the key bag's UUID
	SALT, ITER               salt (20 bytes) and iteration count
	DPSL, DPIC, DPWT         optional "double protection" salt and count

Each following UUID starts a class record with CLAS (the class number),
WRAP (2 if the key is wrapped with the password-derived key, 1 if only
the device can unwrap it), KTYP, and WPKY (the 40-byte wrapped class key).

To unlock the key bag from a password, first derive an intermediate key
with PBKDF2-HMAC-SHA256 over DPSL with DPIC iterations, if they are
present; then derive the 32-byte master key with PBKDF2-HMAC-SHA256 of
the intermediate key (or the password) over SALT with ITER iterations.
Each class key with WRAP 2 is the RFC 3394 unwrapping of its WPKY with
the master key; if the integrity check fails, the password is wrong.

# The manifest

Manifest.db is an SQLite database. If Manifest.plist has a ManifestKey
item, the database is itself encrypted like a file: ManifestKey holds the
4-byte class number followed by the wrapped key.

The Files table has one row per file, directory, and symbolic link:

	fileID        the blob name described above
	domain        e.g. HomeDomain, CameraRollDomain, AppDomain-com.example
	relativePath  the path within the domain, without a leading slash
	flags         1 for files, 2 for directories, 4 for symbolic links
	file          a binary property list archived with NSKeyedArchiver

The archived MBFile object holds the size, POSIX mode, owner, timestamps,
ProtectionClass, the wrapped key in EncryptionKey, and the link target in
Target.

# Other metadata

Info.plist and Status.plist describe the device and the backup (its
date, whether it's a full backup, and so forth); they aren't needed to
recover files.
`

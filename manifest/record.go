// manifest/record.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mmp/mbk/keybag"
	"howett.net/plist"
)

// The per-file metadata in the Files table's "file" column is a binary
// property list. Devices write it with NSKeyedArchiver: the fields of the
// MBFile object are in $objects[1], and strings and data are stored
// elsewhere in $objects and referenced by UID. Some tools write a plain
// dictionary with the same keys instead; both are accepted.

// classPrefixSize is the size of the little-endian protection class that
// precedes the wrapped key in EncryptionKey.
const classPrefixSize = 4

type archive struct {
	objects []interface{}
}

// resolve follows UID references and unwraps NSData and $null.
func (a *archive) resolve(v interface{}) interface{} {
	for i := 0; i < 8; i++ {
		uid, ok := v.(plist.UID)
		if !ok || a.objects == nil {
			break
		}
		if int(uid) >= len(a.objects) {
			return nil
		}
		v = a.objects[uid]
	}
	switch x := v.(type) {
	case string:
		if x == "$null" && a.objects != nil {
			return nil
		}
	case map[string]interface{}:
		if d, ok := x["NS.data"]; ok {
			return a.resolve(d)
		}
		if s, ok := x["NS.string"]; ok {
			return a.resolve(s)
		}
	}
	return v
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case uint64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// decodeRecord fills in e's metadata from the plist in b.
func decodeRecord(b []byte, e *Entry) error {
	var top interface{}
	if _, err := plist.Unmarshal(b, &top); err != nil {
		return err
	}
	dict, ok := top.(map[string]interface{})
	if !ok {
		return fmt.Errorf("file record is %T, not a dictionary", top)
	}

	a := &archive{}
	fields := dict
	if objs, ok := dict["$objects"].([]interface{}); ok {
		a.objects = objs
		root := interface{}(plist.UID(1))
		if t, ok := dict["$top"].(map[string]interface{}); ok {
			if r, ok := t["root"]; ok {
				root = r
			}
		}
		if fields, ok = a.resolve(root).(map[string]interface{}); !ok {
			return fmt.Errorf("archived file record has no root object")
		}
	}

	getInt := func(key string) (int64, bool, error) {
		v, ok := fields[key]
		if !ok {
			return 0, false, nil
		}
		i, ok := toInt64(a.resolve(v))
		if !ok {
			return 0, false, fmt.Errorf("%s: unexpected type %T", key, v)
		}
		return i, true, nil
	}

	if v, ok, err := getInt("Size"); err != nil {
		return err
	} else if ok {
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		e.Size = v
	}
	if v, ok, err := getInt("Mode"); err != nil {
		return err
	} else if ok {
		e.Mode = uint32(v)
	}
	if v, ok, err := getInt("UserID"); err != nil {
		return err
	} else if ok {
		e.UserID = int(v)
	}
	if v, ok, err := getInt("GroupID"); err != nil {
		return err
	} else if ok {
		e.GroupID = int(v)
	}

	switch t := a.resolve(fields["LastModified"]).(type) {
	case nil:
	case time.Time:
		e.ModTime = t
	default:
		if secs, ok := toInt64(t); ok {
			e.ModTime = time.Unix(secs, 0)
		} else {
			return fmt.Errorf("LastModified: unexpected type %T", t)
		}
	}

	var class keybag.Class
	if v, ok, err := getInt("ProtectionClass"); err != nil {
		return err
	} else if ok {
		class = keybag.Class(v)
	}

	switch k := a.resolve(fields["EncryptionKey"]).(type) {
	case nil:
	case []byte:
		if len(k) != classPrefixSize+keybag.WrappedKeySize {
			return fmt.Errorf("EncryptionKey: %d bytes, expected %d", len(k),
				classPrefixSize+keybag.WrappedKeySize)
		}
		prefix := keybag.Class(binary.LittleEndian.Uint32(k[:classPrefixSize]))
		if class != 0 && prefix != class {
			return fmt.Errorf("EncryptionKey class %d doesn't match ProtectionClass %d",
				uint32(prefix), uint32(class))
		}
		class = prefix
		e.WrappedKey = append([]byte(nil), k[classPrefixSize:]...)
	default:
		return fmt.Errorf("EncryptionKey: unexpected type %T", k)
	}
	if class != 0 && !class.Valid() {
		return fmt.Errorf("unknown protection class %d", uint32(class))
	}
	e.Class = class

	switch t := a.resolve(fields["Target"]).(type) {
	case nil:
	case string:
		e.Target = t
	case []byte:
		e.Target = string(t)
	default:
		return fmt.Errorf("Target: unexpected type %T", t)
	}

	return nil
}

func encryptionKey(e *Entry) []byte {
	if len(e.WrappedKey) == 0 {
		return nil
	}
	k := make([]byte, classPrefixSize, classPrefixSize+len(e.WrappedKey))
	binary.LittleEndian.PutUint32(k, uint32(e.Class))
	return append(k, e.WrappedKey...)
}

// encodeRecord returns the NSKeyedArchiver form of e's metadata, as
// devices write it.
func encodeRecord(e *Entry) ([]byte, error) {
	objects := []interface{}{"$null"}
	add := func(v interface{}) plist.UID {
		objects = append(objects, v)
		return plist.UID(len(objects) - 1)
	}

	mbfile := map[string]interface{}{
		"Size":            uint64(e.Size),
		"Mode":            uint64(e.Mode),
		"UserID":          uint64(e.UserID),
		"GroupID":         uint64(e.GroupID),
		"LastModified":    uint64(e.ModTime.Unix()),
		"ProtectionClass": uint64(e.Class),
		"Flags":           uint64(0),
	}
	add(mbfile)
	mbfile["RelativePath"] = add(e.RelativePath)

	var dataClass plist.UID
	if k := encryptionKey(e); k != nil {
		nsdata := map[string]interface{}{"NS.data": k}
		mbfile["EncryptionKey"] = add(nsdata)
		dataClass = add(map[string]interface{}{
			"$classname": "NSMutableData",
			"$classes":   []interface{}{"NSMutableData", "NSData", "NSObject"},
		})
		nsdata["$class"] = dataClass
	}
	if e.Target != "" {
		mbfile["Target"] = add(e.Target)
	}
	mbfile["$class"] = add(map[string]interface{}{
		"$classname": "MBFile",
		"$classes":   []interface{}{"MBFile", "NSObject"},
	})

	return plist.Marshal(map[string]interface{}{
		"$version":  uint64(100000),
		"$archiver": "NSKeyedArchiver",
		"$top":      map[string]interface{}{"root": plist.UID(1)},
		"$objects":  objects,
	}, plist.BinaryFormat)
}

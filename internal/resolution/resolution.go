// Package resolution implements the Resolution Store (spec component B): a
// persistent, ordered map from virtual path to Resolution, serialized as a
// human-editable TOML file (spec §6).
package resolution

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/buildshim/storefuse/internal/storepath"
	"github.com/google/renameio"
	"github.com/pelletier/go-toml"
)

// Decision is either Ignore, or a Provide naming the exact file that answers
// a virtual path.
type Decision struct {
	Ignore        bool
	Kind          string // one of validKinds; only meaningful when !Ignore
	FileEntryName string
	StorePath     storepath.StorePath
}

var validKinds = map[string]bool{
	"socket":       true,
	"symlink":      true,
	"named-pipe":   true,
	"directory":    true,
	"char-device":  true,
	"block-device": true,
	"regular-file": true,
}

// Resolution is a ConstantResolution: it ignores calling context entirely,
// so the same virtual path always yields the same decision.
type Resolution struct {
	Tag           string // always "constant"; the format reserves the field for future resolution kinds
	RequestedPath string
	Decision      Decision
}

// DB is the ordered mapping virtual path -> Resolution. Go map iteration is
// unordered, so serialization sorts keys itself rather than relying on
// insertion order.
type DB map[string]Resolution

// MissingFieldError is returned by Read when a required TOML field is absent.
type MissingFieldError struct {
	Path, Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing field %q", e.Path, e.Field)
}

// UnexpectedTypeError is returned by Read when a field has the wrong TOML
// type, or an enum field holds a value outside its known discriminants.
type UnexpectedTypeError struct {
	Path, Field string
	Got         interface{}
}

func (e *UnexpectedTypeError) Error() string {
	return fmt.Sprintf("%s: field %q has unexpected type or value %#v", e.Path, e.Field, e.Got)
}

// Load locates a resolution DB file under searchPath (a directory). A
// missing directory or missing db.toml file is not an error: it simply
// yields an empty DB, matching spec §4.B ("absent path or missing file
// returns empty").
func Load(searchPath string) (DB, error) {
	if searchPath == "" {
		return DB{}, nil
	}
	fn := filepath.Join(searchPath, "db.toml")
	b, err := ioutil.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return DB{}, nil
		}
		return nil, err
	}
	return Read(string(b))
}

// Read parses the textual resolution DB format.
func Read(text string) (DB, error) {
	tree, err := toml.Load(text)
	if err != nil {
		return nil, fmt.Errorf("parsing resolution db: %w", err)
	}
	db := make(DB)
	for _, key := range tree.Keys() {
		val := tree.Get(key)
		sub, ok := val.(*toml.Tree)
		if !ok {
			return nil, &UnexpectedTypeError{Path: key, Field: key, Got: val}
		}
		res, err := parseEntry(key, sub)
		if err != nil {
			return nil, err
		}
		db[key] = res
	}
	return db, nil
}

func parseEntry(path string, t *toml.Tree) (Resolution, error) {
	tag, err := requireString(t, path, "resolution")
	if err != nil {
		return Resolution{}, err
	}
	if tag != "constant" {
		return Resolution{}, &UnexpectedTypeError{Path: path, Field: "resolution", Got: tag}
	}

	decision, err := requireString(t, path, "decision")
	if err != nil {
		return Resolution{}, err
	}

	switch decision {
	case "ignore":
		return Resolution{Tag: tag, RequestedPath: path, Decision: Decision{Ignore: true}}, nil
	case "provide":
		kind, err := requireString(t, path, "kind")
		if err != nil {
			return Resolution{}, err
		}
		if !validKinds[kind] {
			return Resolution{}, &UnexpectedTypeError{Path: path, Field: "kind", Got: kind}
		}
		fileEntryName, err := requireString(t, path, "file_entry_name")
		if err != nil {
			return Resolution{}, err
		}
		spVal := t.Get("store_path")
		if spVal == nil {
			return Resolution{}, &MissingFieldError{Path: path, Field: "store_path"}
		}
		spTree, ok := spVal.(*toml.Tree)
		if !ok {
			return Resolution{}, &UnexpectedTypeError{Path: path, Field: "store_path", Got: spVal}
		}
		sp, err := parseStorePath(path, spTree)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			Tag:           tag,
			RequestedPath: path,
			Decision: Decision{
				Kind:          kind,
				FileEntryName: fileEntryName,
				StorePath:     sp,
			},
		}, nil
	default:
		return Resolution{}, &UnexpectedTypeError{Path: path, Field: "decision", Got: decision}
	}
}

func parseStorePath(path string, t *toml.Tree) (storepath.StorePath, error) {
	p, err := requireString(t, path, "path")
	if err != nil {
		return storepath.StorePath{}, err
	}
	attrName, _ := t.Get("attr_name").(string)
	toplevel, _ := t.Get("toplevel").(bool)
	return storepath.StorePath{
		Path:   p,
		Origin: storepath.Origin{AttrName: attrName, TopLevel: toplevel},
	}, nil
}

func requireString(t *toml.Tree, path, field string) (string, error) {
	v := t.Get(field)
	if v == nil {
		return "", &MissingFieldError{Path: path, Field: field}
	}
	s, ok := v.(string)
	if !ok {
		return "", &UnexpectedTypeError{Path: path, Field: field, Got: v}
	}
	return s, nil
}

// Merge unions left and right; on key collision, right wins. Priority
// strictly increases with position in the caller's source list, so callers
// compose their full search order with repeated calls to Merge.
func Merge(left, right DB) DB {
	out := make(DB, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

// Write serializes db to path as TOML, replacing the file atomically so a
// crash mid-write can never leave a corrupt or partial DB behind.
func Write(path string, db DB) error {
	m := make(map[string]interface{}, len(db))
	for key, res := range db {
		m[key] = entryMap(res)
	}
	tree, err := toml.TreeFromMap(m)
	if err != nil {
		return fmt.Errorf("building resolution db tree: %w", err)
	}

	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if _, err := f.Write([]byte(tree.String())); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

func entryMap(res Resolution) map[string]interface{} {
	tag := res.Tag
	if tag == "" {
		tag = "constant"
	}
	if res.Decision.Ignore {
		return map[string]interface{}{
			"resolution": tag,
			"decision":   "ignore",
		}
	}
	return map[string]interface{}{
		"resolution":      tag,
		"decision":        "provide",
		"kind":            res.Decision.Kind,
		"file_entry_name": res.Decision.FileEntryName,
		"store_path": map[string]interface{}{
			"path":      res.Decision.StorePath.Path,
			"attr_name": res.Decision.StorePath.Origin.AttrName,
			"toplevel":  res.Decision.StorePath.Origin.TopLevel,
		},
	}
}

// SortedKeys returns db's keys in sorted order, used wherever deterministic
// iteration matters (serialization, --print-ignored-paths).
func (db DB) SortedKeys() []string {
	keys := make([]string, 0, len(db))
	for k := range db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IgnoredPaths returns every virtual path db records as Ignore, sorted.
func (db DB) IgnoredPaths() []string {
	var out []string
	for _, k := range db.SortedKeys() {
		if db[k].Decision.Ignore {
			out = append(out, k)
		}
	}
	return out
}

package session

import (
	"encoding/hex"
	"fmt"

	"github.com/cuemby/acs/pkg/types"
	"github.com/zeebo/blake3"
)

// builtin expands a provision implemented in Go into declarations
type builtin func(sc *types.SessionContext, args []any) ([]types.Declaration, error)

var builtins = map[string]builtin{
	"refresh":   refreshProvision,
	"value":     valueProvision,
	"tag":       tagProvision,
	"reboot":    rebootProvision,
	"reset":     resetProvision,
	"download":  downloadProvision,
	"instances": instancesProvision,
}

// IsBuiltin reports whether name is a provision implemented in Go
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

func argString(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %s", name)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %s must be a non-empty string", name)
	}
	return s, nil
}

// refresh(path, age?) fetches path and, for objects, everything below it
// unless it was read within age seconds
func refreshProvision(sc *types.SessionContext, args []any) ([]types.Declaration, error) {
	path, err := argString(args, 0, "path")
	if err != nil {
		return nil, err
	}
	ts := sc.Timestamp
	if len(args) > 1 {
		age, ok := toInt64(args[1])
		if !ok {
			return nil, fmt.Errorf("argument age must be a number")
		}
		ts -= age * 1000
	}
	return []types.Declaration{{
		Path:    path,
		PathGet: ts,
		AttrGet: map[string]int64{"value": ts},
	}}, nil
}

// value(path, value) sets a parameter value
func valueProvision(sc *types.SessionContext, args []any) ([]types.Declaration, error) {
	path, err := argString(args, 0, "path")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("missing argument value")
	}
	return []types.Declaration{{
		Path:    path,
		PathGet: 1,
		AttrSet: map[string]any{"value": args[1]},
	}}, nil
}

// tag(name, bool) adds or removes a device tag
func tagProvision(sc *types.SessionContext, args []any) ([]types.Declaration, error) {
	name, err := argString(args, 0, "name")
	if err != nil {
		return nil, err
	}
	add := true
	if len(args) > 1 {
		b, ok := args[1].(bool)
		if !ok {
			return nil, fmt.Errorf("argument value must be a boolean")
		}
		add = b
	}
	return []types.Declaration{{
		Path:    RootTags + "." + name,
		AttrSet: map[string]any{"value": add},
	}}, nil
}

func rebootProvision(sc *types.SessionContext, _ []any) ([]types.Declaration, error) {
	return []types.Declaration{{
		Path:    ParamReboot,
		AttrSet: map[string]any{"value": sc.Timestamp},
	}}, nil
}

func resetProvision(sc *types.SessionContext, _ []any) ([]types.Declaration, error) {
	return []types.Declaration{{
		Path:    ParamFactoryReset,
		AttrSet: map[string]any{"value": sc.Timestamp},
	}}, nil
}

// DownloadKey names the Downloads instance of a file
func DownloadKey(fileType, fileName string) string {
	sum := blake3.Sum256([]byte(fileType + "\x00" + fileName))
	return hex.EncodeToString(sum[:6])
}

// download(fileType, fileName, targetName?) pushes a file to the device
func downloadProvision(sc *types.SessionContext, args []any) ([]types.Declaration, error) {
	fileType, err := argString(args, 0, "fileType")
	if err != nil {
		return nil, err
	}
	fileName, err := argString(args, 1, "fileName")
	if err != nil {
		return nil, err
	}
	target := ""
	if len(args) > 2 {
		target, _ = args[2].(string)
	}

	base := RootDownloads + "." + DownloadKey(fileType, fileName)
	return []types.Declaration{
		{Path: base + ".FileType", AttrSet: map[string]any{"value": fileType}},
		{Path: base + ".FileName", AttrSet: map[string]any{"value": fileName}},
		{Path: base + ".TargetFileName", AttrSet: map[string]any{"value": target}},
		{Path: base + ".Download", AttrSet: map[string]any{"value": sc.Timestamp}},
	}, nil
}

// instances(path, count) adds or deletes object instances until count of
// them match path
func instancesProvision(sc *types.SessionContext, args []any) ([]types.Declaration, error) {
	path, err := argString(args, 0, "path")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("missing argument count")
	}
	n, ok := toInt64(args[1])
	if !ok || n < 0 {
		return nil, fmt.Errorf("argument count must be a non-negative number")
	}
	count := int(n)
	return []types.Declaration{{
		Path:    path,
		PathGet: sc.Timestamp,
		PathSet: &count,
	}}, nil
}

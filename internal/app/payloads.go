package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// loadPayloads reads each file as one article object or an array of them, in file order.
func loadPayloads(paths []string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		items, err := splitPayloads(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

func splitPayloads(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("malformed JSON")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode payload array: %w", err)
	}
	return items, nil
}

// resolveInputs merges --file values with the .json files under --dir.
func resolveInputs(files []string, dir string, recursive bool) ([]string, error) {
	paths := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	add := func(path string) {
		clean := filepath.Clean(path)
		if _, ok := seen[clean]; ok {
			return
		}
		seen[clean] = struct{}{}
		paths = append(paths, clean)
	}

	for _, file := range files {
		if trimmed := strings.TrimSpace(file); trimmed != "" {
			add(trimmed)
		}
	}
	if strings.TrimSpace(dir) != "" {
		found, err := collectJSONFiles(dir, recursive)
		if err != nil {
			return nil, err
		}
		for _, path := range found {
			add(path)
		}
	}
	return paths, nil
}

// collectJSONFiles lists visible .json files under root, sorted. Hidden directories are skipped.
func collectJSONFiles(root string, recursive bool) ([]string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("directory path is empty")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			if path == root {
				return nil
			}
			if !recursive || strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isPayloadFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}

func isPayloadFile(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".json")
}

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}
